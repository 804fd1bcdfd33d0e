// Package server implements the HTTP API: the health endpoint, manual scans
// and the receiving side of trigger relaying.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clambin/nabtag/internal/dispatcher"
	"github.com/clambin/nabtag/internal/nabd"
	"github.com/clambin/nabtag/internal/registry"
	"github.com/clambin/nabtag/internal/relay"
	"github.com/clambin/nabtag/pkg/pubsub"
	"github.com/google/uuid"
)

// Submitter queues a relayed trigger for dispatch. It reports false when the
// queue is full.
type Submitter interface {
	Submit(relay.Trigger) bool
}

var _ Submitter = &dispatcher.Dispatcher{}

type Server struct {
	http.Handler
	scans     *pubsub.Publisher[nabd.ScanEvent]
	store     *registry.Store
	submitter Submitter
	logger    *slog.Logger
}

func New(scans *pubsub.Publisher[nabd.ScanEvent], store *registry.Store, submitter Submitter, health http.Handler, logger *slog.Logger) *Server {
	s := Server{
		scans:     scans,
		store:     store,
		submitter: submitter,
		logger:    logger,
	}
	m := http.NewServeMux()
	m.Handle("/health", health)
	m.HandleFunc("/api/scan", s.scan)
	m.HandleFunc("/api/trigger", s.trigger)
	s.Handler = m
	return &s
}

type scanRequest struct {
	UID    string `json:"uid"`
	Rabbit string `json:"rabbit,omitempty"`
}

// scan accepts a manual tag scan and feeds it to the dispatcher as if a
// rabbit had seen the tag.
func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if registry.NormalizeUID(req.UID) == "" {
		http.Error(w, "invalid request: no uid", http.StatusBadRequest)
		return
	}
	req.Rabbit = strings.ToLower(strings.TrimSpace(req.Rabbit))
	if req.Rabbit != "" {
		if snapshot := s.store.Snapshot(); snapshot != nil {
			if _, ok := snapshot.Rabbit(req.Rabbit); !ok {
				http.Error(w, "unknown rabbit "+req.Rabbit, http.StatusBadRequest)
				return
			}
		}
	}

	ev := nabd.NewScanEvent(req.UID, req.Rabbit, nabd.SourceAPI)
	s.logger.Debug("manual scan", slog.String("uid", ev.UID), slog.String("id", ev.ID))
	s.scans.Publish(ev)
	accepted(w, ev.ID)
}

// trigger receives a trigger forwarded by a peer instance. The carried
// action is queued for local dispatch after bearer authentication.
func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot := s.store.Snapshot()
	if snapshot == nil {
		http.Error(w, "no configuration loaded", http.StatusServiceUnavailable)
		return
	}
	secret := snapshot.Secret()
	if secret == "" {
		http.Error(w, "relaying not configured", http.StatusForbidden)
		return
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		s.logger.Warn("rejected trigger with a bad relay secret", slog.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var trigger relay.Trigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		http.Error(w, "invalid trigger: "+err.Error(), http.StatusBadRequest)
		return
	}
	if registry.NormalizeUID(trigger.UID) == "" {
		http.Error(w, "invalid trigger: no uid", http.StatusBadRequest)
		return
	}
	if err := trigger.Action.Validate(); err != nil {
		http.Error(w, "invalid trigger: "+err.Error(), http.StatusBadRequest)
		return
	}
	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}

	if !s.submitter.Submit(trigger) {
		http.Error(w, "dispatcher queue full", http.StatusServiceUnavailable)
		return
	}
	s.logger.Debug("trigger accepted", slog.String("uid", trigger.UID), slog.String("id", trigger.ID))
	accepted(w, trigger.ID)
}

func accepted(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(struct {
		ID string `json:"id"`
	}{ID: id})
}

// Serve runs handler on addr until ctx is done, then drains in-flight
// requests.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	httpServer := http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	logger.Debug("started", slog.String("addr", addr))
	defer logger.Debug("stopped")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
