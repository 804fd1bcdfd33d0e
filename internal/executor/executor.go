// Package executor runs the action a tag resolved to. Every action runs with
// a bounded timeout and every failure comes back as an error value: a broken
// action must never take the dispatch loop down with it. The executor does
// not retry; a tag can simply be scanned again.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/clambin/nabtag/internal/action"
	"github.com/clambin/nabtag/internal/nabd"
	"github.com/clambin/nabtag/internal/nabweb"
	"github.com/clambin/nabtag/internal/registry"
)

// SceneLauncher launches one of the rabbit's built-in choreographies.
type SceneLauncher interface {
	LaunchWeather(ctx context.Context, address string, tomorrow bool) error
	LaunchAirQuality(ctx context.Context, address string) error
	LaunchTaichi(ctx context.Context, address string) error
	SetSleeping(ctx context.Context, address string, sleeping bool) error
}

var _ SceneLauncher = &nabweb.Client{}

type Executor struct {
	Registry       *registry.Store
	Scenes         SceneLauncher
	WebhookClient  *http.Client
	CommandTimeout time.Duration
	WebhookTimeout time.Duration
	Logger         *slog.Logger
}

// Execute runs one action. A context.DeadlineExceeded in the returned error
// chain means the action timed out rather than failed.
func (e *Executor) Execute(ctx context.Context, ev nabd.ScanEvent, name string, a action.Action) error {
	e.Logger.Debug("executing action", slog.String("tag", name), slog.String("action", a.String()))
	switch a.Kind {
	case action.Command:
		return e.runCommand(ctx, a)
	case action.Webhook:
		return e.callWebhook(ctx, ev, name, a)
	default:
		return e.launchScene(ctx, ev, a)
	}
}

func (e *Executor) runCommand(ctx context.Context, a action.Action) error {
	ctx, cancel := context.WithTimeout(ctx, e.CommandTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", a.Cmd)
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("command timed out after %s: %w", e.CommandTimeout, context.DeadlineExceeded)
	}
	if output := lastLine(stderr.String()); output != "" {
		return fmt.Errorf("command failed: %w (%s)", err, output)
	}
	return fmt.Errorf("command failed: %w", err)
}

// lastLine returns the last non-blank line of a command's stderr, truncated
// to a length that fits in a log record.
func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	const maxLen = 200
	if len(line) > maxLen {
		line = line[:maxLen]
	}
	return line
}

func (e *Executor) callWebhook(ctx context.Context, ev nabd.ScanEvent, name string, a action.Action) error {
	ctx, cancel := context.WithTimeout(ctx, e.WebhookTimeout)
	defer cancel()

	method := strings.ToUpper(a.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if a.Payload != "" {
		payload, err := renderPayload(a.Payload, ev, name)
		if err != nil {
			return fmt.Errorf("webhook payload: %w", err)
		}
		body = strings.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.URL, body)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.WebhookClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("webhook timed out after %s: %w", e.WebhookTimeout, context.DeadlineExceeded)
		}
		return fmt.Errorf("webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("webhook: %s (%s)", resp.Status, lastLine(string(snippet)))
	}
	return nil
}

// renderPayload expands a webhook payload template with the scan's details.
func renderPayload(payload string, ev nabd.ScanEvent, name string) (string, error) {
	tmpl, err := template.New("payload").Parse(payload)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		ID     string
		UID    string
		Name   string
		Rabbit string
		Time   time.Time
	}{ID: ev.ID, UID: ev.UID, Name: name, Rabbit: ev.Rabbit, Time: ev.Time})
	return buf.String(), err
}

func (e *Executor) launchScene(ctx context.Context, ev nabd.ScanEvent, a action.Action) error {
	id := a.Rabbit
	if id == "" {
		id = ev.Rabbit
	}
	if id == "" {
		return fmt.Errorf("%s: no target rabbit", a.Kind)
	}
	snapshot := e.Registry.Snapshot()
	if snapshot == nil {
		return errors.New("no configuration loaded")
	}
	rabbit, ok := snapshot.Rabbit(id)
	if !ok {
		return fmt.Errorf("%s: unknown rabbit %q", a.Kind, id)
	}

	var err error
	switch a.Kind {
	case action.Weather:
		err = e.Scenes.LaunchWeather(ctx, rabbit.Address, false)
	case action.AirQuality:
		err = e.Scenes.LaunchAirQuality(ctx, rabbit.Address)
	case action.Taichi:
		err = e.Scenes.LaunchTaichi(ctx, rabbit.Address)
	case action.Sleep:
		err = e.Scenes.SetSleeping(ctx, rabbit.Address, true)
	default:
		err = fmt.Errorf("unsupported action kind: %s", a.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s on %s: %w", a.Kind, rabbit.ID, err)
	}
	return nil
}
