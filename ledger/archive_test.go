package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmcore/mediator/types"
)

func TestRunRetention_DeletesRowsPastHorizonWithNoArchiver(t *testing.T) {
	l := newTestLedger(t, Config{RetentionDays: 1})
	ctx := context.Background()

	old := types.UsageRow{Provider: "openai", Model: "gpt", Cost: 1, Timestamp: time.Now().AddDate(0, 0, -5)}
	recent := types.UsageRow{Provider: "openai", Model: "gpt", Cost: 1, Timestamp: time.Now()}
	require.NoError(t, l.Record(ctx, old))
	require.NoError(t, l.Record(ctx, recent))

	archived, deleted, err := l.RunRetention(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), archived, "no archiver means rows are deleted without being counted as archived")
	assert.Equal(t, int64(1), deleted)

	agg, err := l.UsageByPeriod(ctx, time.Now().AddDate(0, 0, -10), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, agg.Total.Cost, 0.001, "only the recent row should remain")
}

func TestRunRetention_LeavesRowsInsideRetentionWindowUntouched(t *testing.T) {
	l := newTestLedger(t, Config{RetentionDays: 30})
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, types.UsageRow{Provider: "openai", Model: "gpt", Cost: 1, Timestamp: time.Now().AddDate(0, 0, -5)}))

	archived, deleted, err := l.RunRetention(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), archived)
	assert.Equal(t, int64(0), deleted)
}

// TestRetentionScheduler_RunsSweepOnTick checks the scheduled maintenance
// pass actually fires and deletes expired rows without any caller driving
// RunRetention directly, the way HealthChecker drives provider probes.
func TestRetentionScheduler_RunsSweepOnTick(t *testing.T) {
	l := newTestLedger(t, Config{RetentionDays: 1})
	require.NoError(t, l.Record(context.Background(), types.UsageRow{
		Provider: "openai", Model: "gpt", Cost: 1, Timestamp: time.Now().AddDate(0, 0, -5),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewRetentionScheduler(l, nil, 5*time.Millisecond, zap.NewNop())
	go sched.Start(ctx)
	defer sched.Stop()

	require.Eventually(t, func() bool {
		agg, err := l.UsageByPeriod(context.Background(), time.Now().AddDate(0, 0, -10), time.Now().Add(time.Hour))
		return err == nil && agg.Total.Cost == 0
	}, time.Second, 5*time.Millisecond)
}

func TestNewRetentionScheduler_DefaultsInterval(t *testing.T) {
	l := newTestLedger(t, Config{})
	sched := NewRetentionScheduler(l, nil, 0, zap.NewNop())
	assert.Equal(t, 24*time.Hour, sched.interval)
}
