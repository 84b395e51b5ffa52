package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSink_EmitsOneLogLinePerEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	sink.Emit(Event{Name: "circuit:open", Fields: map[string]any{"provider": "provA"}})

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "circuit:open", entries[0].Message)
	}
}

func TestCallbackSink_ForwardsEvent(t *testing.T) {
	var got Event
	sink := NewCallbackSink(func(e Event) { got = e })

	sink.Emit(Event{Name: "failover:attempt"})

	assert.Equal(t, "failover:attempt", got.Name)
}
