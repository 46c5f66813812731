package events

import (
	"context"
	"sort"
	"sync"

	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/metrics"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	ErrUnknownFilter = errors.New("unknown filter")
	ErrUnknownType   = errors.New("unknown event type")
	ErrNoHandler     = errors.New("no handler")
)

type Handler func(ctx context.Context, ev Event) error

type Callback struct {
	Key     string
	Type    Type
	Filter  Filter
	Handler Handler
}

// Dispatcher keeps the callbacks of every event type and runs the matching
// ones concurrently when an event is triggered.
type Dispatcher struct {
	logger  zerolog.Logger
	metrics *metrics.Collector
	workers *semaphore.Weighted

	mu        sync.RWMutex
	callbacks map[Type]map[string]*Callback

	wg sync.WaitGroup
}

func NewDispatcher(logger zerolog.Logger, cfg config.EventsCfg, m *metrics.Collector) *Dispatcher {
	d := &Dispatcher{
		logger:    logger.With().Str("sub_service", "events").Logger(),
		metrics:   m,
		callbacks: make(map[Type]map[string]*Callback),
	}
	if cfg.MaxWorkers > 0 {
		d.workers = semaphore.NewWeighted(cfg.MaxWorkers)
	}
	return d
}

// Register adds a callback for t and returns its key. An empty key is replaced
// by a generated one; registering an existing key replaces that callback.
func (d *Dispatcher) Register(t Type, key string, filter Filter, handler Handler) (string, error) {
	if handler == nil {
		return "", ErrNoHandler
	}

	decl, ok := declarations[t]
	if !ok {
		return "", errors.Wrapf(ErrUnknownType, "%d", int(t))
	}
	for name := range filter {
		if _, ok := decl[name]; !ok {
			return "", errors.Wrapf(ErrUnknownFilter, "%q on %s", name, t)
		}
	}

	if key == "" {
		key = uuid.New().String()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	byKey, ok := d.callbacks[t]
	if !ok {
		byKey = make(map[string]*Callback)
		d.callbacks[t] = byKey
	}
	byKey[key] = &Callback{Key: key, Type: t, Filter: filter, Handler: handler}
	return key, nil
}

func (d *Dispatcher) Remove(t Type, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.callbacks[t][key]; !ok {
		return false
	}
	delete(d.callbacks[t], key)
	return true
}

// Callbacks returns the callbacks of t ordered by key.
func (d *Dispatcher) Callbacks(t Type) []Callback {
	d.mu.RLock()
	defer d.mu.RUnlock()

	list := make([]Callback, 0, len(d.callbacks[t]))
	for _, cb := range d.callbacks[t] {
		list = append(list, *cb)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list
}

// Trigger starts every callback of ev's type whose filter matches and
// returns how many were started. It never waits for them.
func (d *Dispatcher) Trigger(ctx context.Context, ev Event) int {
	d.metrics.Inc(config.EventsTriggered)

	d.mu.RLock()
	candidates := make([]*Callback, 0, len(d.callbacks[ev.Type()]))
	for _, cb := range d.callbacks[ev.Type()] {
		candidates = append(candidates, cb)
	}
	d.mu.RUnlock()

	decl := declarations[ev.Type()]
	started := 0
	for _, cb := range candidates {
		if !d.matches(decl, ev, cb) {
			continue
		}

		started++
		d.wg.Add(1)
		go d.run(ctx, cb, ev)
	}
	return started
}

func (d *Dispatcher) matches(decl map[string][]Matcher, ev Event, cb *Callback) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().
				Str("key", cb.Key).
				Stringer("event", ev.Type()).
				Interface("panic", rec).
				Msg("filter evaluation failed")
			ok = false
		}
	}()
	return matches(decl, ev, cb.Filter)
}

func (d *Dispatcher) run(ctx context.Context, cb *Callback, ev Event) {
	defer d.wg.Done()

	if d.workers != nil {
		if err := d.workers.Acquire(ctx, 1); err != nil {
			d.logger.Warn().Err(err).
				Str("key", cb.Key).
				Stringer("event", ev.Type()).
				Msg("callback dropped")
			return
		}
		defer d.workers.Release(1)
	}

	d.metrics.Inc(config.CallbacksRun)
	if err := call(ctx, cb.Handler, ev); err != nil {
		d.metrics.Inc(config.CallbackErrors)
		d.logger.Error().Err(err).
			Str("key", cb.Key).
			Stringer("event", ev.Type()).
			Msg("an error occurred in event callback")
		d.Exception(ctx, SourceEvent, err, ev)
	}
}

func call(ctx context.Context, handler Handler, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("callback panic: %v", rec)
		}
	}()
	return handler(ctx, ev)
}

// Exception raises an exception event for err. Failures while handling an
// exception event are only logged.
func (d *Dispatcher) Exception(ctx context.Context, source string, err error, payload interface{}) {
	if ev, ok := payload.(Event); ok && ev.Type() == Exception {
		return
	}

	d.Trigger(ctx, &ExceptionEvent{
		Generic: Generic{Kind: Exception},
		Source:  source,
		Err:     err,
		Payload: payload,
	})
}

// Wait blocks until every started callback has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
