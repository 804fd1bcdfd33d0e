package notifier

import (
	"log/slog"
	"time"

	"github.com/clambin/nabtag/internal/dispatcher"
	"github.com/slack-go/slack"
)

type SlackSender interface {
	Send(channel string, attachments []slack.Attachment) error
}

// SlackNotifier posts dispatch results to a slack channel. By default only
// failures are posted; set All to post every result.
type SlackNotifier struct {
	Slack   SlackSender
	Channel string
	All     bool
	Logger  *slog.Logger
}

var _ Notifier = &SlackNotifier{}

func (s *SlackNotifier) Notify(r dispatcher.Result) {
	if !s.All && !failure(r) {
		return
	}
	s.Logger.Debug("notifying on slack", slog.String("uid", r.Event.UID))
	err := s.Slack.Send(s.Channel, []slack.Attachment{{
		Color: color(r),
		Title: buildTitle(r),
		Text:  text(r),
	}})
	if err != nil {
		s.Logger.Error("notifier failed to post message", "err", err)
	}
}

func color(r dispatcher.Result) string {
	switch {
	case r.Success():
		return "good"
	case failure(r):
		return "danger"
	default:
		return "warning"
	}
}

func text(r dispatcher.Result) string {
	if r.Detail != "" {
		return r.Detail
	}
	if r.Duration > 0 {
		return "completed in " + r.Duration.Round(time.Millisecond).String()
	}
	return ""
}
