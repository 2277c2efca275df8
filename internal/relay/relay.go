// Copyright 2025 James Ross

// Package relay carries ProgressEvents from a backend client's generation
// stream to the job registry. Events are published over NATS so production
// of progress is decoupled from the HTTP-visible registry write, matching
// the teacher's github.com/nats-io/nats.go wiring in internal/event-hooks.
// The relay is write-idempotent and drop-safe: last write wins, and no
// event log is persisted.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/jamesross/imagegen-broker/internal/obs"
	"github.com/jamesross/imagegen-broker/internal/registry"
)

// Kind tags the shape of a ProgressEvent, matching the heterogeneous event
// payloads a backend can emit: a generic tagged variant the relay pattern
// matches on rather than a single flat struct.
type Kind string

const (
	KindStarted    Kind = "started"
	KindTick       Kind = "tick"
	KindQueueDepth Kind = "queue_depth"
	KindCompleted  Kind = "completed"
)

// ProgressEvent is one observation about a running job's generation.
type ProgressEvent struct {
	Kind           Kind   `json:"kind"`
	RequestID      string `json:"request_id"`
	Percent        int    `json:"percent,omitempty"`
	Step           int    `json:"step,omitempty"`
	Max            int    `json:"max,omitempty"`
	Node           string `json:"node,omitempty"`
	QueueRemaining int    `json:"queue_remaining,omitempty"`
}

// Publisher fans a ProgressEvent out to the relay transport.
type Publisher interface {
	Publish(ctx context.Context, ev ProgressEvent) error
}

// NATSRelay is the Publisher/Subscriber pair backed by a NATS connection,
// one subject per job so the sink can subscribe to the whole tree with a
// wildcard.
type NATSRelay struct {
	nc      *nats.Conn
	subject string
}

// New connects to url and returns a relay publishing under subject.
func New(url, subject string) (*NATSRelay, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSRelay{nc: nc, subject: subject}, nil
}

func (r *NATSRelay) subjectFor(requestID string) string {
	return r.subject + "." + requestID
}

// Publish marshals ev and publishes it to the job's subject.
func (r *NATSRelay) Publish(ctx context.Context, ev ProgressEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return r.nc.Publish(r.subjectFor(ev.RequestID), b)
}

// Subscribe registers handler for every event published under this relay's
// subject tree, returning an unsubscribe func.
func (r *NATSRelay) Subscribe(handler func(ProgressEvent)) (func() error, error) {
	sub, err := r.nc.Subscribe(r.subject+".*", func(msg *nats.Msg) {
		var ev ProgressEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}

// Close closes the underlying NATS connection; subscriptions are not drained
// first.
func (r *NATSRelay) Close() {
	r.nc.Close()
}

// Sink consumes ProgressEvents and writes the progress fields onto the
// matching job hash. It is the sole mutator of percent/step/max/node/
// queue_remaining (spec.md §3 ownership).
type Sink struct {
	reg *registry.Registry
	log *zap.Logger
}

// NewSink builds a Sink writing through reg.
func NewSink(reg *registry.Registry, log *zap.Logger) *Sink {
	return &Sink{reg: reg, log: log}
}

// Run subscribes to sub and handles events until ctx is cancelled.
func (s *Sink) Run(ctx context.Context, sub interface {
	Subscribe(func(ProgressEvent)) (func() error, error)
}) error {
	unsubscribe, err := sub.Subscribe(func(ev ProgressEvent) {
		s.Handle(ctx, ev)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return unsubscribe()
}

// Handle applies one event to the job registry. Failures are logged and
// dropped: relay events are explicitly safe-to-drop per spec.md §4.5.
func (s *Sink) Handle(ctx context.Context, ev ProgressEvent) {
	if ev.RequestID == "" {
		return
	}

	var fields []interface{}
	switch ev.Kind {
	case KindStarted:
		fields = []interface{}{"percent", "0", "step", "0", "max", "0"}
	case KindTick:
		fields = []interface{}{
			"percent", strconv.Itoa(ev.Percent),
			"step", strconv.Itoa(ev.Step),
			"max", strconv.Itoa(ev.Max),
			"node", ev.Node,
		}
	case KindQueueDepth:
		fields = []interface{}{"queue_remaining", strconv.Itoa(ev.QueueRemaining)}
	case KindCompleted:
		fields = []interface{}{"percent", "100"}
	default:
		return
	}

	if err := s.reg.SetFields(ctx, ev.RequestID, fields...); err != nil {
		s.log.Debug("progress relay write dropped", obs.String("request_id", ev.RequestID), obs.Err(err))
	}
}
