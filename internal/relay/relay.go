// Package relay forwards a resolved trigger to the nabtag instance serving
// another rabbit. The trigger carries the action itself, so the receiving
// instance executes exactly what the sender resolved, whether or not its own
// registry knows the tag.
//
// Forwarding makes one bounded attempt. The receiver acknowledges with 202
// once the trigger is queued; the sender never waits for the remote action to
// finish. Relay secrets never appear in errors or logs.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/clambin/nabtag/internal/action"
	"github.com/clambin/nabtag/internal/registry"
)

// Trigger is the payload forwarded to a peer instance. Rabbit is the rabbit
// the trigger is aimed at, so a scene without an explicit target plays on it.
type Trigger struct {
	ID     string        `json:"id"`
	UID    string        `json:"uid"`
	Name   string        `json:"name,omitempty"`
	Rabbit string        `json:"rabbit,omitempty"`
	Action action.Action `json:"action"`
}

type Client struct {
	HTTPClient *http.Client
	Registry   *registry.Store
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Trigger forwards the trigger to the instance serving the given rabbit.
func (c *Client) Trigger(ctx context.Context, rabbit registry.RabbitEntry, trigger Trigger) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	snapshot := c.Registry.Snapshot()
	if snapshot == nil {
		return errors.New("no configuration loaded")
	}
	secret := snapshot.SecretFor(rabbit)
	if secret == "" {
		return fmt.Errorf("no relay secret configured for %q", rabbit.ID)
	}

	body, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}

	target := "http://" + rabbit.RelayAddress() + "/api/trigger"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)

	c.Logger.Debug("relaying trigger",
		slog.String("tag", trigger.Name),
		slog.String("rabbit", rabbit.ID),
		slog.String("id", trigger.ID),
	)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("relay to %s timed out: %w", rabbit.ID, context.DeadlineExceeded)
		}
		return fmt.Errorf("relay to %s: %w", rabbit.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("relay to %s: %s (check the relay secret)", rabbit.ID, resp.Status)
	}
	if resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("relay to %s: %s (%s)", rabbit.ID, resp.Status, bytes.TrimSpace(snippet))
	}
	return nil
}
