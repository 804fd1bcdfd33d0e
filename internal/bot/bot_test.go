package bot_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clambin/go-common/slackbot"
	"github.com/clambin/nabtag/internal/bot"
	"github.com/clambin/nabtag/internal/nabd"
	"github.com/clambin/nabtag/internal/registry"
	"github.com/clambin/nabtag/pkg/pubsub"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSlackBot struct {
	commands map[string]slackbot.CommandFunc
}

func (f *fakeSlackBot) Register(name string, command slackbot.CommandFunc) {
	if f.commands == nil {
		f.commands = make(map[string]slackbot.CommandFunc)
	}
	f.commands[name] = command
}

func (f *fakeSlackBot) Run(_ context.Context) error { return nil }

func (f *fakeSlackBot) Send(_ string, _ []slack.Attachment) error { return nil }

const botConfig = `
rabbits:
  - id: kitchen
    address: 192.168.1.20
    reader: true
  - id: bedroom
    address: 192.168.1.21
tags:
  - uid: "11:11"
    name: jukebox
    action: webhook:http://jukebox.local/toggle
  - uid: "22:22"
    name: bedtime
    action:
      kind: sleep
    relay: bedroom
`

type harness struct {
	bot   *bot.Bot
	slack *fakeSlackBot
	store *registry.Store
	path  string
	scans chan nabd.ScanEvent
}

func makeBot(t *testing.T, load bool) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(botConfig), 0o644))
	store := registry.New(path, "", slog.Default())
	if load {
		require.NoError(t, store.Load())
	}

	scans := pubsub.New[nabd.ScanEvent](slog.Default())
	tagBot := fakeSlackBot{}
	return &harness{
		bot:   bot.New(&tagBot, store, scans, slog.Default()),
		slack: &tagBot,
		store: store,
		path:  path,
		scans: scans.Subscribe(),
	}
}

func TestNew_RegistersCommands(t *testing.T) {
	h := makeBot(t, true)
	for _, command := range []string{"tags", "rabbits", "trigger", "reload"} {
		assert.Contains(t, h.slack.commands, command)
	}
}

func TestBot_ReportTags(t *testing.T) {
	t.Run("not loaded", func(t *testing.T) {
		h := makeBot(t, false)
		attachments := h.bot.ReportTags(context.Background())
		require.Len(t, attachments, 1)
		assert.Equal(t, "no configuration loaded", attachments[0].Text)
	})

	t.Run("loaded", func(t *testing.T) {
		h := makeBot(t, true)
		attachments := h.bot.ReportTags(context.Background())
		require.Len(t, attachments, 1)
		assert.Equal(t, "tags:", attachments[0].Title)
		assert.Contains(t, attachments[0].Text, "jukebox: webhook(http://jukebox.local/toggle)")
		assert.Contains(t, attachments[0].Text, "bedtime: sleep (relayed to bedroom)")
	})
}

func TestBot_ReportRabbits(t *testing.T) {
	h := makeBot(t, true)
	attachments := h.bot.ReportRabbits(context.Background())
	require.Len(t, attachments, 1)
	assert.Equal(t, "rabbits:", attachments[0].Title)
	assert.Contains(t, attachments[0].Text, "kitchen: 192.168.1.20 (reader)")
	assert.Contains(t, attachments[0].Text, "bedroom: 192.168.1.21")
}

func TestBot_Trigger(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing uid", args: nil, want: "missing parameter\nUsage: trigger <uid> [rabbit]"},
		{name: "unknown tag", args: []string{"ff:ff"}, want: `unknown tag "ff:ff"`},
		{name: "unknown rabbit", args: []string{"11:11", "attic"}, want: `unknown rabbit "attic"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := makeBot(t, true)
			attachments := h.bot.Trigger(context.Background(), tt.args...)
			require.Len(t, attachments, 1)
			assert.Equal(t, tt.want, attachments[0].Text)
			assert.Empty(t, h.scans)
		})
	}

	t.Run("trigger publishes a scan", func(t *testing.T) {
		h := makeBot(t, true)
		attachments := h.bot.Trigger(context.Background(), "11:11", "Kitchen")
		require.Len(t, attachments, 1)
		assert.Equal(t, "triggered jukebox (webhook(http://jukebox.local/toggle))", attachments[0].Text)

		select {
		case ev := <-h.scans:
			assert.Equal(t, "1111", ev.UID)
			assert.Equal(t, "kitchen", ev.Rabbit)
			assert.Equal(t, nabd.SourceSlack, ev.Source)
		case <-time.After(time.Second):
			t.Fatal("no scan event published")
		}
	})
}

func TestBot_Reload(t *testing.T) {
	h := makeBot(t, true)

	attachments := h.bot.Reload(context.Background())
	require.Len(t, attachments, 1)
	assert.Equal(t, "configuration reloaded: 2 tags, 2 rabbits", attachments[0].Text)

	// a broken tags file leaves the active snapshot in place
	active := h.store.Snapshot()
	require.NoError(t, os.WriteFile(h.path, []byte(`tags: [ {name: broken} ]`), 0o644))
	attachments = h.bot.Reload(context.Background())
	require.Len(t, attachments, 1)
	assert.Contains(t, attachments[0].Text, "reload failed")
	assert.Same(t, active, h.store.Snapshot())
}
