package notifier

import (
	"log/slog"

	"github.com/clambin/nabtag/internal/dispatcher"
)

type SLogNotifier struct {
	Logger *slog.Logger
}

var _ Notifier = &SLogNotifier{}

func (s SLogNotifier) Notify(r dispatcher.Result) {
	s.Logger.Info(buildTitle(r),
		slog.String("uid", r.Event.UID),
		slog.String("source", r.Event.Source),
		slog.String("reason", r.Detail),
	)
}
