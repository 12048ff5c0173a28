package event

import (
	"context"
	"log/slog"
)

var events = make(chan Event, 128)

// Send publishes an event to every registered handler. Non-blocking: if the
// queue is full the event is dropped, a slow notifier must never stall an
// execution path.
func Send(e Event) {
	select {
	case events <- e:
	default:
	}
}

type Handler func(ctx context.Context, e Event) error

type Listener struct {
	logger   *slog.Logger
	handlers []Handler
}

func NewListener(logger *slog.Logger) *Listener {
	return &Listener{logger: logger}
}

func (l *Listener) Register(h Handler) {
	l.handlers = append(l.handlers, h)
}

func (l *Listener) Listen(ctx context.Context) error {
	for {
		select {
		case e := <-events:
			for _, h := range l.handlers {
				if err := h(ctx, e); err != nil {
					l.logger.Error("Error running event handler", slog.Any("error", err))
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
