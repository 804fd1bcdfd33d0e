// Package nabd consumes the event stream of the nabd daemon running on each
// rabbit (pynab's JSON lines protocol over TCP, port 10543). The Reader keeps
// one session per rabbit marked for reading in the directory, turns rfid
// detections into ScanEvents and publishes them to the scan feed.
package nabd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/clambin/nabtag/internal/registry"
	"github.com/clambin/nabtag/pkg/pubsub"
)

var errNoHeartbeat = errors.New("nabd not responding")

type modeMessage struct {
	Type   string   `json:"type"`
	Mode   string   `json:"mode"`
	Events []string `json:"events"`
}

type earsMessage struct {
	Type  string `json:"type"`
	Left  int    `json:"left"`
	Right int    `json:"right"`
}

type gestaltMessage struct {
	Type string `json:"type"`
}

type nabdEvent struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	UID   string `json:"uid"`
}

type Config struct {
	KeepAlive time.Duration // silence on the connection before probing nabd
	EarWiggle bool          // rotate the ears after connecting
}

// Reader maintains the nabd sessions. Session come and go with the rabbit
// directory: a reload that adds, removes or moves a rabbit is picked up from
// the registry's snapshot feed.
type Reader struct {
	scans     *pubsub.Publisher[ScanEvent]
	store     *registry.Store
	keepAlive time.Duration
	earWiggle bool
	logger    *slog.Logger
}

func NewReader(scans *pubsub.Publisher[ScanEvent], store *registry.Store, cfg Config, logger *slog.Logger) *Reader {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	return &Reader{
		scans:     scans,
		store:     store,
		keepAlive: cfg.KeepAlive,
		earWiggle: cfg.EarWiggle,
		logger:    logger,
	}
}

type session struct {
	address string
	cancel  context.CancelFunc
	done    chan struct{}
}

func (r *Reader) Run(ctx context.Context) error {
	r.logger.Debug("started")
	defer r.logger.Debug("stopped")

	updates := r.store.Subscribe()
	defer r.store.Unsubscribe(updates)

	sessions := make(map[string]*session)
	r.sync(ctx, r.store.Snapshot(), sessions)

	for {
		select {
		case <-ctx.Done():
			for _, s := range sessions {
				s.cancel()
				<-s.done
			}
			return nil
		case snapshot := <-updates:
			r.sync(ctx, snapshot, sessions)
		}
	}
}

// sync starts and stops sessions until they match the directory. A rabbit
// whose nabd address changed gets a new session.
func (r *Reader) sync(ctx context.Context, snapshot *registry.Snapshot, sessions map[string]*session) {
	want := make(map[string]registry.RabbitEntry)
	if snapshot != nil {
		for _, rabbit := range snapshot.Rabbits() {
			if rabbit.Reader {
				want[rabbit.ID] = rabbit
			}
		}
	}

	for id, s := range sessions {
		if rabbit, ok := want[id]; ok && rabbit.NabdAddress() == s.address {
			continue
		}
		s.cancel()
		<-s.done
		delete(sessions, id)
		r.logger.Info("reader stopped", slog.String("rabbit", id))
	}

	for id, rabbit := range want {
		if _, ok := sessions[id]; ok {
			continue
		}
		sessionCtx, cancel := context.WithCancel(ctx)
		s := session{address: rabbit.NabdAddress(), cancel: cancel, done: make(chan struct{})}
		go func(rabbit registry.RabbitEntry) {
			defer close(s.done)
			r.session(sessionCtx, rabbit)
		}(rabbit)
		sessions[id] = &s
	}
}

func (r *Reader) session(ctx context.Context, rabbit registry.RabbitEntry) {
	logger := r.logger.With(slog.String("rabbit", rabbit.ID))

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		start := time.Now()
		err := r.connectAndRead(ctx, rabbit, logger)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		logger.Warn("nabd connection lost", slog.Any("err", err), slog.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, maxBackoff)
	}
}

func (r *Reader) connectAndRead(ctx context.Context, rabbit registry.RabbitEntry, logger *slog.Logger) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", rabbit.NabdAddress())
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err = writeMessage(conn, modeMessage{Type: "mode", Mode: "idle", Events: []string{"rfid/*"}}); err != nil {
		return err
	}
	if r.earWiggle {
		// rotate the ears to show the connection is up
		for _, ears := range []earsMessage{{Type: "ears", Left: 1, Right: 1}, {Type: "ears", Left: 0, Right: 0}} {
			if err = writeMessage(conn, ears); err != nil {
				return err
			}
		}
	}
	logger.Info("connected to nabd", slog.String("address", rabbit.NabdAddress()))

	lines := make(chan []byte, 1)
	errs := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readLines(conn, lines, errs, done)

	timer := time.NewTimer(r.keepAlive)
	defer timer.Stop()
	probing := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case err = <-errs:
			if err == nil {
				err = io.EOF
			}
			return err
		case line := <-lines:
			r.handleMessage(line, rabbit, logger)
			probing = false
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.keepAlive)
		case <-timer.C:
			if probing {
				// no answer to the probe either: assume the connection is dead
				return errNoHeartbeat
			}
			if err = writeMessage(conn, gestaltMessage{Type: "gestalt"}); err != nil {
				return err
			}
			probing = true
			timer.Reset(r.keepAlive)
		}
	}
}

func readLines(conn net.Conn, lines chan<- []byte, errs chan<- error, done <-chan struct{}) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := bytes.Clone(scanner.Bytes())
		select {
		case lines <- line:
		case <-done:
			return
		}
	}
	select {
	case errs <- scanner.Err():
	case <-done:
	}
}

func (r *Reader) handleMessage(line []byte, rabbit registry.RabbitEntry, logger *slog.Logger) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	var msg nabdEvent
	if err := json.Unmarshal(line, &msg); err != nil {
		logger.Debug("ignoring unparsable nabd message", slog.Any("err", err))
		return
	}
	if msg.Type != "rfid_event" || msg.Event != "detected" || msg.UID == "" {
		logger.Debug("nabd message", slog.String("type", msg.Type))
		return
	}
	ev := NewScanEvent(msg.UID, rabbit.ID, SourceReader)
	logger.Info("tag detected", slog.String("uid", ev.UID))
	r.scans.Publish(ev)
}

func writeMessage(conn net.Conn, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	body = append(body, '\r', '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = conn.Write(body)
	return err
}
