package events

import (
	"context"

	"agent_runtime/pkg/logging"
)

// Handler consumes forwarded events.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// Forwarder drains a Sink and hands every event to each handler in order.
// A failing handler is logged and does not stop the others.
type Forwarder struct {
	sink     *Sink
	handlers []Handler
	done     chan struct{}
}

// NewForwarder creates a forwarder for sink.
func NewForwarder(sink *Sink, handlers ...Handler) *Forwarder {
	return &Forwarder{
		sink:     sink,
		handlers: handlers,
		done:     make(chan struct{}),
	}
}

// Run forwards until the sink is closed and drained or ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	defer close(f.done)
	log := logging.FromContext(ctx).With("session", f.sink.SessionID())

	for {
		e, ok := f.sink.Next(ctx)
		if !ok {
			return
		}
		for _, h := range f.handlers {
			if err := h.Handle(ctx, e); err != nil {
				log.Warn("event handler failed", "event_type", string(e.Type), "error", err)
			}
		}
	}
}

// Start runs the forwarder on its own goroutine.
func (f *Forwarder) Start(ctx context.Context) {
	go f.Run(ctx)
}

// Done is closed when Run returns.
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}
