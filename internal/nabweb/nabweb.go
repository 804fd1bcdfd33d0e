// Package nabweb drives a rabbit's web UI. The UI has no documented API but
// its settings endpoints can be used to change settings and launch the
// built-in choreographies. Every call is a small CSRF dance: GET the endpoint
// to obtain the csrftoken cookie, then POST (settings) or PUT (action) with
// the token.
package nabweb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	apiNabclockd  = "nabclockd/settings"
	apiWeather    = "nabweatherd/settings"
	apiAirQuality = "nabairqualityd/settings"
	apiTaichi     = "nabtaichid/settings"
)

// Client accesses the web UI of one or more rabbits. The rabbit's web server
// can be slow to answer its first request, so connection errors are retried a
// bounded number of times. HTTP error statuses are not retried.
type Client struct {
	HTTPClient *http.Client
	Retries    int
	Logger     *slog.Logger
}

// ChangeSettings updates settings of one of the rabbit's services.
func (c *Client) ChangeSettings(ctx context.Context, address string, endpoint string, settings url.Values) error {
	return c.apiRequest(ctx, address, http.MethodPost, endpoint, settings)
}

// LaunchAction launches an action on one of the rabbit's services.
func (c *Client) LaunchAction(ctx context.Context, address string, endpoint string, args url.Values) error {
	return c.apiRequest(ctx, address, http.MethodPut, endpoint, args)
}

// LaunchWeather makes the rabbit perform its weather forecast.
func (c *Client) LaunchWeather(ctx context.Context, address string, tomorrow bool) error {
	args := url.Values{"type": []string{"today"}}
	if tomorrow {
		args.Set("type", "tomorrow")
	}
	return c.LaunchAction(ctx, address, apiWeather, args)
}

// LaunchAirQuality makes the rabbit report the air quality.
func (c *Client) LaunchAirQuality(ctx context.Context, address string) error {
	return c.LaunchAction(ctx, address, apiAirQuality, nil)
}

// LaunchTaichi makes the rabbit perform its taichi choreography.
func (c *Client) LaunchTaichi(ctx context.Context, address string) error {
	return c.LaunchAction(ctx, address, apiTaichi, nil)
}

// SetSleeping puts the rabbit to sleep, or wakes it up, by overriding its
// sleep schedule. The first write cancels a manual wakeup, the second makes
// the rabbit always asleep (or always awake).
func (c *Client) SetSleeping(ctx context.Context, address string, sleeping bool) error {
	steps := []url.Values{
		{"play_wakeup_sleep_sounds": []string{"true"}, "settings_per_day": []string{"false"}},
		{"sleep_time": []string{"00:00"}, "wakeup_time": []string{"00:00"}},
	}
	if sleeping {
		steps = append(steps, url.Values{"sleep_time": []string{"00:00"}, "wakeup_time": []string{"99:99"}})
	} else {
		steps = append(steps, url.Values{"sleep_time": []string{"99:99"}, "wakeup_time": []string{"00:00"}})
	}
	for _, settings := range steps {
		if err := c.ChangeSettings(ctx, address, apiNabclockd, settings); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) apiRequest(ctx context.Context, address string, method string, endpoint string, data url.Values) error {
	var err error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if err = c.call(ctx, address, method, endpoint, data); err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
		c.Logger.Debug("rabbit web UI not answering, retrying",
			slog.String("address", address),
			slog.Int("attempt", attempt+1),
			slog.Any("err", err),
		)
	}
	return err
}

func (c *Client) call(ctx context.Context, address string, method string, endpoint string, data url.Values) error {
	target := "http://" + address + "/" + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &connectionError{err: err}
	}
	_ = resp.Body.Close()

	var token string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "csrftoken" {
			token = cookie.Value
		}
	}
	if token == "" {
		return fmt.Errorf("%s: no csrf token", target)
	}

	if data == nil {
		data = make(url.Values)
	}
	if method == http.MethodPost {
		data.Set("csrfmiddlewaretoken", token)
	}
	req, err = http.NewRequestWithContext(ctx, method, target, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "csrftoken", Value: token})
	if method == http.MethodPut {
		req.Header.Set("X-CSRFToken", token)
	}

	resp, err = c.HTTPClient.Do(req)
	if err != nil {
		return &connectionError{err: err}
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s: %s", target, resp.Status)
	}
	return nil
}

type connectionError struct {
	err error
}

func (e *connectionError) Error() string { return e.err.Error() }
func (e *connectionError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var connErr *connectionError
	return errors.As(err, &connErr)
}
