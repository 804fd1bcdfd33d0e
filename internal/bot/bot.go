// Package bot adds chat commands to inspect and poke the dispatcher: list
// the configured tags and rabbits, trigger a tag by hand and reload the
// configuration.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clambin/go-common/slackbot"
	"github.com/clambin/nabtag/internal/nabd"
	"github.com/clambin/nabtag/internal/registry"
	"github.com/clambin/nabtag/pkg/pubsub"
	"github.com/slack-go/slack"
)

type SlackBot interface {
	Register(name string, command slackbot.CommandFunc)
	Run(ctx context.Context) error
	Send(channel string, attachments []slack.Attachment) error
}

type Bot struct {
	slack  SlackBot
	store  *registry.Store
	scans  *pubsub.Publisher[nabd.ScanEvent]
	logger *slog.Logger
}

func New(tagBot SlackBot, store *registry.Store, scans *pubsub.Publisher[nabd.ScanEvent], logger *slog.Logger) *Bot {
	b := Bot{
		slack:  tagBot,
		store:  store,
		scans:  scans,
		logger: logger,
	}
	tagBot.Register("tags", b.ReportTags)
	tagBot.Register("rabbits", b.ReportRabbits)
	tagBot.Register("trigger", b.Trigger)
	tagBot.Register("reload", b.Reload)

	return &b
}

func (b *Bot) ReportTags(_ context.Context, _ ...string) []slack.Attachment {
	snapshot := b.store.Snapshot()
	if snapshot == nil {
		return []slack.Attachment{{Color: "bad", Text: "no configuration loaded"}}
	}

	tags := snapshot.Tags()
	text := make([]string, 0, len(tags))
	for _, tag := range tags {
		line := fmt.Sprintf("%s: %s", tag.Label(), tag.Action)
		if tag.Relay != "" {
			line += " (relayed to " + tag.Relay + ")"
		}
		text = append(text, line)
	}

	if len(text) == 0 {
		return []slack.Attachment{{Color: "bad", Text: "no tags configured"}}
	}
	return []slack.Attachment{{
		Color: "good",
		Title: "tags:",
		Text:  strings.Join(text, "\n"),
	}}
}

func (b *Bot) ReportRabbits(_ context.Context, _ ...string) []slack.Attachment {
	snapshot := b.store.Snapshot()
	if snapshot == nil {
		return []slack.Attachment{{Color: "bad", Text: "no configuration loaded"}}
	}

	rabbits := snapshot.Rabbits()
	text := make([]string, 0, len(rabbits))
	for _, rabbit := range rabbits {
		line := rabbit.ID + ": " + rabbit.Address
		if rabbit.Reader {
			line += " (reader)"
		}
		text = append(text, line)
	}

	if len(text) == 0 {
		return []slack.Attachment{{Color: "bad", Text: "no rabbits in the directory"}}
	}
	return []slack.Attachment{{
		Color: "good",
		Title: "rabbits:",
		Text:  strings.Join(text, "\n"),
	}}
}

func (b *Bot) Trigger(_ context.Context, args ...string) []slack.Attachment {
	if len(args) < 1 {
		return []slack.Attachment{{Color: "bad", Text: "missing parameter\nUsage: trigger <uid> [rabbit]"}}
	}
	snapshot := b.store.Snapshot()
	if snapshot == nil {
		return []slack.Attachment{{Color: "bad", Text: "no configuration loaded"}}
	}

	uid := args[0]
	entry, ok := snapshot.Tag(uid)
	if !ok {
		return []slack.Attachment{{Color: "bad", Text: fmt.Sprintf("unknown tag %q", uid)}}
	}

	var rabbit string
	if len(args) > 1 {
		rabbit = strings.ToLower(strings.TrimSpace(args[1]))
		if _, ok = snapshot.Rabbit(rabbit); !ok {
			return []slack.Attachment{{Color: "bad", Text: fmt.Sprintf("unknown rabbit %q", rabbit)}}
		}
	}

	ev := nabd.NewScanEvent(uid, rabbit, nabd.SourceSlack)
	b.logger.Debug("manual trigger", slog.String("uid", ev.UID), slog.String("id", ev.ID))
	b.scans.Publish(ev)

	return []slack.Attachment{{
		Color: "good",
		Text:  fmt.Sprintf("triggered %s (%s)", entry.Label(), entry.Action),
	}}
}

func (b *Bot) Reload(_ context.Context, _ ...string) []slack.Attachment {
	if err := b.store.Load(); err != nil {
		return []slack.Attachment{{Color: "bad", Text: "reload failed: " + err.Error()}}
	}
	snapshot := b.store.Snapshot()
	return []slack.Attachment{{
		Color: "good",
		Text:  fmt.Sprintf("configuration reloaded: %d tags, %d rabbits", len(snapshot.Tags()), len(snapshot.Rabbits())),
	}}
}
