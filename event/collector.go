package event

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// CollectorSink streams every event as a JSON text frame to an external
// collector process (e.g. a dashboard) over a single long-lived websocket
// connection — the "external collector" transport option from §6. Connect
// dials lazily and reconnects in the background on drop; Emit never blocks
// on the network, it enqueues onto a bounded channel and drops the oldest
// pending event under sustained backpressure rather than stall the caller.
type CollectorSink struct {
	endpoint string
	logger   *zap.Logger
	client   *http.Client

	queue chan Event

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewCollectorSink builds a CollectorSink targeting endpoint (a ws:// or
// wss:// URL). The HTTP client is tuned with HTTP/2 so the initial
// websocket upgrade and any collector-side HTTP fallback share one
// connection-multiplexed transport.
func NewCollectorSink(endpoint string, logger *zap.Logger) *CollectorSink {
	transport := &http.Transport{}
	_ = http2.ConfigureTransport(transport)
	return &CollectorSink{
		endpoint: endpoint,
		logger:   logger.With(zap.String("component", "event_collector")),
		client:   &http.Client{Transport: transport, Timeout: 10 * time.Second},
		queue:    make(chan Event, 256),
	}
}

// Run drains the send queue and maintains the websocket connection until
// ctx is cancelled. Call it once, in its own goroutine.
func (s *CollectorSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.closeConn()
			return
		case evt := <-s.queue:
			s.send(ctx, evt)
		}
	}
}

func (s *CollectorSink) Emit(evt Event) {
	select {
	case s.queue <- evt:
	default:
		// Queue full: drop the oldest pending event rather than block the
		// dispatch/cache/ledger call path that's emitting this one.
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- evt:
		default:
		}
	}
}

func (s *CollectorSink) send(ctx context.Context, evt Event) {
	conn, err := s.connection(ctx)
	if err != nil {
		s.logger.Warn("collector connection unavailable", zap.Error(err))
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("event marshal failed", zap.Error(err))
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		s.logger.Warn("collector write failed", zap.Error(err))
		s.closeConn()
	}
}

func (s *CollectorSink) connection(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.endpoint, &websocket.DialOptions{HTTPClient: s.client})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *CollectorSink) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutting down")
		s.conn = nil
	}
}
