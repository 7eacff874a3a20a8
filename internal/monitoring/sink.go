// internal/monitoring/sink.go
package monitoring

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lumix-ai/warp/internal/learning"
	"github.com/lumix-ai/warp/internal/session"
	"github.com/rs/zerolog/log"
)

const (
	sinkBuffer       = 256
	sinkWriteTimeout = 5 * time.Second
)

// Event - one message written to the dashboard socket
type Event struct {
	Type    string                `json:"type"`
	Session int                   `json:"session"`
	Phase   string                `json:"phase,omitempty"`
	Epoch   *learning.EpochReport `json:"epoch,omitempty"`
	Acc     map[string]float64    `json:"acc,omitempty"`
	Time    time.Time             `json:"time"`
}

// EventSink streams progress events over a websocket. Events are dropped
// when the connection cannot keep up; training never waits on it.
type EventSink struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

var _ session.Observer = (*EventSink)(nil)

// DialEventSink connects to a websocket endpoint such as ws://host:port/events.
func DialEventSink(ctx context.Context, url string) (*EventSink, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	s := &EventSink{
		conn:   conn,
		events: make(chan Event, sinkBuffer),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *EventSink) Epoch(r learning.EpochReport) {
	s.send(Event{Type: "epoch", Epoch: &r})
}

func (s *EventSink) Session(r learning.SessionReport) {
	acc := make(map[string]float64, 5)
	for k, v := range map[string]float64{
		"all":            r.Row.Acc,
		"base":           r.Row.BaseAcc,
		"new":            r.Row.NewAcc,
		"base_given_new": r.Row.BaseAccGivenNew,
		"new_given_base": r.Row.NewAccGivenBase,
	} {
		// JSON has no NaN
		if !math.IsNaN(v) {
			acc[k] = v
		}
	}
	s.send(Event{Type: "session", Session: r.Session, Phase: r.Phase, Acc: acc})
}

func (s *EventSink) Phase(p session.Phase, sessionIdx int) {
	s.send(Event{Type: "phase", Session: sessionIdx, Phase: string(p)})
}

// Dropped - number of events discarded because the buffer was full
func (s *EventSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes buffered events and closes the connection.
func (s *EventSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	<-s.done
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(sinkWriteTimeout)); err != nil {
		log.Debug().Err(err).Msg("Event sink close handshake failed")
	}
	return s.conn.Close()
}

func (s *EventSink) send(ev Event) {
	ev.Time = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped++
	}
}

func (s *EventSink) writeLoop() {
	defer close(s.done)
	failed := false
	for ev := range s.events {
		if failed {
			continue
		}
		s.conn.SetWriteDeadline(time.Now().Add(sinkWriteTimeout))
		if err := s.conn.WriteJSON(ev); err != nil {
			log.Warn().Err(err).Str("type", ev.Type).Msg("Event sink write failed, disabling sink")
			failed = true
		}
	}
}

// Fanout forwards every event to each observer in order.
type Fanout []session.Observer

var _ session.Observer = Fanout(nil)

func (f Fanout) Epoch(r learning.EpochReport) {
	for _, o := range f {
		o.Epoch(r)
	}
}

func (f Fanout) Session(r learning.SessionReport) {
	for _, o := range f {
		o.Session(r)
	}
}

func (f Fanout) Phase(p session.Phase, sessionIdx int) {
	for _, o := range f {
		o.Phase(p, sessionIdx)
	}
}
