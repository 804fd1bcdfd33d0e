// Package health serves the health endpoint: the age and size of the active
// configuration and the outcome of the most recent scan.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/clambin/nabtag/internal/dispatcher"
	"github.com/clambin/nabtag/internal/registry"
)

type Results interface {
	Subscribe() chan dispatcher.Result
	Unsubscribe(chan dispatcher.Result)
}

type Health struct {
	Results
	store  *registry.Store
	logger *slog.Logger
	last   dispatcher.Result
	seen   bool
	lock   sync.RWMutex
}

func New(results Results, store *registry.Store, logger *slog.Logger) *Health {
	return &Health{
		Results: results,
		store:   store,
		logger:  logger,
	}
}

func (h *Health) Run(ctx context.Context) error {
	h.logger.Debug("started")
	defer h.logger.Debug("stopped")

	ch := h.Results.Subscribe()
	defer h.Results.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-ch:
			h.lock.Lock()
			h.last = result
			h.seen = true
			h.lock.Unlock()
		}
	}
}

type report struct {
	LoadedAt time.Time `json:"loadedAt"`
	Tags     int       `json:"tags"`
	Rabbits  int       `json:"rabbits"`
	LastScan *scan     `json:"lastScan,omitempty"`
}

type scan struct {
	UID         string        `json:"uid"`
	Name        string        `json:"name,omitempty"`
	Disposition string        `json:"disposition"`
	Detail      string        `json:"detail,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Time        time.Time     `json:"time"`
}

func (h *Health) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.store.Snapshot()
	if snapshot == nil {
		http.Error(w, "no configuration loaded", http.StatusServiceUnavailable)
		return
	}

	r := report{
		LoadedAt: snapshot.LoadedAt(),
		Tags:     len(snapshot.Tags()),
		Rabbits:  len(snapshot.Rabbits()),
	}
	h.lock.RLock()
	if h.seen {
		r.LastScan = &scan{
			UID:         h.last.Event.UID,
			Name:        h.last.Name,
			Disposition: string(h.last.Disposition),
			Detail:      h.last.Detail,
			Duration:    h.last.Duration,
			Time:        h.last.Event.Time,
		}
	}
	h.lock.RUnlock()

	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
