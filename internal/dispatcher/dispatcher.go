// Package dispatcher connects scan events to actions. It consumes the scan
// feed, resolves each uid against the registry and hands the action to a
// bounded pool of workers, so a slow action never holds up the feed. Results
// are published for the health endpoint and the notifiers.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clambin/go-common/cache"
	"github.com/clambin/nabtag/internal/action"
	"github.com/clambin/nabtag/internal/executor"
	"github.com/clambin/nabtag/internal/nabd"
	"github.com/clambin/nabtag/internal/registry"
	"github.com/clambin/nabtag/internal/relay"
	"github.com/clambin/nabtag/pkg/pubsub"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Disposition string

const (
	Executed  Disposition = "executed"
	Relayed   Disposition = "relayed"
	Failed    Disposition = "failed"
	TimedOut  Disposition = "timeout"
	Unknown   Disposition = "unknown"
	Debounced Disposition = "debounced"
	Dropped   Disposition = "dropped"
)

// Result is the terminal state of one consumed scan event.
type Result struct {
	Event       nabd.ScanEvent
	Name        string
	Kind        string
	Target      string
	Disposition Disposition
	Detail      string
	Duration    time.Duration
}

// Success reports whether the scan led to a completed or relayed action.
func (r Result) Success() bool {
	return r.Disposition == Executed || r.Disposition == Relayed
}

// ActionExecutor runs a resolved action locally.
type ActionExecutor interface {
	Execute(ctx context.Context, ev nabd.ScanEvent, name string, a action.Action) error
}

// TriggerRelay forwards a resolved trigger to the instance serving another rabbit.
type TriggerRelay interface {
	Trigger(ctx context.Context, rabbit registry.RabbitEntry, trigger relay.Trigger) error
}

var _ ActionExecutor = &executor.Executor{}
var _ TriggerRelay = &relay.Client{}

type Config struct {
	Debounce      time.Duration
	MaxConcurrent int
}

type Dispatcher struct {
	*pubsub.Publisher[Result]
	scans    *pubsub.Publisher[nabd.ScanEvent]
	triggers chan relay.Trigger
	registry *registry.Store
	executor ActionExecutor
	relay    TriggerRelay
	metrics  *Metrics
	debounce time.Duration
	workers  int
	seen     *cache.Cache[string, time.Time]
	logger   *slog.Logger
}

func New(
	scans *pubsub.Publisher[nabd.ScanEvent],
	store *registry.Store,
	actionExecutor ActionExecutor,
	triggerRelay TriggerRelay,
	metrics *Metrics,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	d := Dispatcher{
		Publisher: pubsub.New[Result](logger.With(slog.String("component", "dispatcher"))),
		scans:     scans,
		triggers:  make(chan relay.Trigger, pubsub.DefaultQueueSize),
		registry:  store,
		executor:  actionExecutor,
		relay:     triggerRelay,
		metrics:   metrics,
		debounce:  cfg.Debounce,
		workers:   cfg.MaxConcurrent,
		logger:    logger,
	}
	if cfg.Debounce > 0 {
		d.seen = cache.New[string, time.Time](cfg.Debounce, cfg.Debounce)
	}
	return &d
}

// Run consumes scan events until ctx is done. Events are consumed in arrival
// order; actions run on a pool of at most MaxConcurrent workers. When all
// workers are busy, the scan is dropped rather than queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Debug("started")
	defer d.logger.Debug("stopped")

	ch := d.scans.Subscribe()
	defer d.scans.Unsubscribe(ch)

	var g errgroup.Group
	g.SetLimit(d.workers)

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case ev := <-ch:
			d.dispatch(ctx, &g, ev)
		case trigger := <-d.triggers:
			d.dispatchTrigger(ctx, &g, trigger)
		}
	}
}

// Submit queues a trigger received from a peer instance. It reports false
// when the dispatcher is too busy to accept it.
func (d *Dispatcher) Submit(trigger relay.Trigger) bool {
	select {
	case d.triggers <- trigger:
		return true
	default:
		return false
	}
}

// dispatchTrigger runs a relayed trigger as if the tag had been scanned
// locally. The carried action is executed directly: the local registry does
// not need to know the tag, and a carried action is never a relay, so
// triggers cannot loop between instances.
func (d *Dispatcher) dispatchTrigger(ctx context.Context, g *errgroup.Group, trigger relay.Trigger) {
	id := trigger.ID
	if id == "" {
		id = uuid.NewString()
	}
	ev := nabd.ScanEvent{
		ID:     id,
		UID:    registry.NormalizeUID(trigger.UID),
		Rabbit: trigger.Rabbit,
		Source: nabd.SourceRelay,
		Time:   time.Now(),
	}
	d.metrics.countScan(ev.Source)

	if d.debounced(ev.UID) {
		d.logger.Debug("debounced", slog.String("uid", ev.UID))
		d.publish(Result{Event: ev, Disposition: Debounced})
		return
	}

	entry := registry.TagEntry{UID: ev.UID, Name: trigger.Name, Action: trigger.Action}
	started := g.TryGo(func() error {
		d.publish(d.executeLocally(ctx, ev, entry))
		return nil
	})
	if !started {
		d.logger.Warn("all workers busy, dropping trigger", slog.String("tag", entry.Label()))
		d.publish(Result{Event: ev, Name: entry.Label(), Kind: entry.Action.Kind.String(), Disposition: Dropped})
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, g *errgroup.Group, ev nabd.ScanEvent) {
	d.metrics.countScan(ev.Source)

	if d.debounced(ev.UID) {
		d.logger.Debug("debounced", slog.String("uid", ev.UID))
		d.publish(Result{Event: ev, Disposition: Debounced})
		return
	}

	snapshot := d.registry.Snapshot()
	if snapshot == nil {
		d.publish(Result{Event: ev, Disposition: Failed, Detail: "no configuration loaded"})
		return
	}

	entry, ok := snapshot.Tag(ev.UID)
	if !ok {
		d.logger.Info("unknown tag scanned", slog.String("uid", ev.UID), slog.String("rabbit", ev.Rabbit))
		d.publish(Result{Event: ev, Disposition: Unknown})
		return
	}

	started := g.TryGo(func() error {
		if entry.Relay != "" {
			d.publish(d.sendToRelay(ctx, snapshot, ev, entry))
		} else {
			d.publish(d.executeLocally(ctx, ev, entry))
		}
		return nil
	})
	if !started {
		d.logger.Warn("all workers busy, dropping scan", slog.String("tag", entry.Label()))
		d.publish(Result{Event: ev, Name: entry.Label(), Kind: entry.Action.Kind.String(), Disposition: Dropped})
	}
}

// debounced reports whether the uid was seen within the debounce window and
// starts a new window otherwise.
func (d *Dispatcher) debounced(uid string) bool {
	if d.seen == nil {
		return false
	}
	if _, found := d.seen.Get(uid); found {
		return true
	}
	d.seen.Add(uid, time.Now())
	return false
}

func (d *Dispatcher) executeLocally(ctx context.Context, ev nabd.ScanEvent, entry registry.TagEntry) Result {
	result := Result{Event: ev, Name: entry.Label(), Kind: entry.Action.Kind.String()}
	start := time.Now()
	err := d.executor.Execute(ctx, ev, entry.Label(), entry.Action)
	result.Duration = time.Since(start)

	switch {
	case err == nil:
		result.Disposition = Executed
		d.logger.Info("action executed",
			slog.String("tag", entry.Label()),
			slog.String("action", entry.Action.String()),
			slog.Duration("duration", result.Duration),
		)
	case errors.Is(err, context.DeadlineExceeded):
		result.Disposition = TimedOut
		result.Detail = err.Error()
		d.logger.Error("action timed out", slog.String("tag", entry.Label()), slog.Any("err", err))
	default:
		result.Disposition = Failed
		result.Detail = err.Error()
		d.logger.Error("action failed", slog.String("tag", entry.Label()), slog.Any("err", err))
	}
	return result
}

func (d *Dispatcher) sendToRelay(ctx context.Context, snapshot *registry.Snapshot, ev nabd.ScanEvent, entry registry.TagEntry) Result {
	result := Result{Event: ev, Name: entry.Label(), Kind: "relay", Target: entry.Relay}
	rabbit, ok := snapshot.Rabbit(entry.Relay)
	if !ok {
		result.Disposition = Failed
		result.Detail = "unknown relay target " + entry.Relay
		return result
	}

	trigger := relay.Trigger{
		ID:     ev.ID,
		UID:    ev.UID,
		Name:   entry.Label(),
		Rabbit: entry.Relay,
		Action: entry.Action,
	}
	start := time.Now()
	err := d.relay.Trigger(ctx, rabbit, trigger)
	result.Duration = time.Since(start)

	switch {
	case err == nil:
		result.Disposition = Relayed
		d.logger.Info("trigger relayed",
			slog.String("tag", entry.Label()),
			slog.String("rabbit", entry.Relay),
			slog.Duration("duration", result.Duration),
		)
	case errors.Is(err, context.DeadlineExceeded):
		result.Disposition = TimedOut
		result.Detail = err.Error()
		d.logger.Error("relay timed out", slog.String("tag", entry.Label()), slog.Any("err", err))
	default:
		result.Disposition = Failed
		result.Detail = err.Error()
		d.logger.Error("relay failed", slog.String("tag", entry.Label()), slog.Any("err", err))
	}
	return result
}

func (d *Dispatcher) publish(r Result) {
	d.metrics.countResult(r)
	d.Publisher.Publish(r)
}
