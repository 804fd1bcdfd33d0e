// Package notifier tells humans what happened to their scans. The Listener
// consumes dispatch results and forwards them to the configured notifiers.
package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clambin/nabtag/internal/dispatcher"
)

type Notifier interface {
	Notify(dispatcher.Result)
}

type Notifiers []Notifier

func (n Notifiers) Notify(result dispatcher.Result) {
	for _, l := range n {
		l.Notify(result)
	}
}

type Results interface {
	Subscribe() chan dispatcher.Result
	Unsubscribe(chan dispatcher.Result)
}

type Listener struct {
	Results   Results
	Notifiers Notifiers
	Logger    *slog.Logger
}

func (l *Listener) Run(ctx context.Context) error {
	l.Logger.Debug("started")
	defer l.Logger.Debug("stopped")

	ch := l.Results.Subscribe()
	defer l.Results.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-ch:
			l.Notifiers.Notify(result)
		}
	}
}

// failure marks the dispositions worth waking a human for. A debounced scan
// or an unknown tag is not one of them.
func failure(r dispatcher.Result) bool {
	switch r.Disposition {
	case dispatcher.Failed, dispatcher.TimedOut, dispatcher.Dropped:
		return true
	default:
		return false
	}
}

func buildTitle(r dispatcher.Result) string {
	name := r.Name
	if name == "" {
		name = r.Event.UID
	}
	if r.Disposition == dispatcher.Relayed && r.Target != "" {
		return fmt.Sprintf("%s: relayed to %s", name, r.Target)
	}
	return fmt.Sprintf("%s: %s", name, r.Disposition)
}
