package events

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/log"
	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/pkg/errors"
)

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(log.Disabled, config.EventsCfg{}, nil)
}

func mustChannel(t *testing.T, raw string) *models.Channel {
	t.Helper()
	ch, err := models.NewChannel(json.RawMessage(raw), 0)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	return ch
}

func messageEvent(t *testing.T, ch *models.Channel, content string) *MessageEvent {
	t.Helper()

	author, err := models.NewUser(json.RawMessage(`{"id":"7","username":"alice"}`))
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	msg, err := models.NewMessage(json.RawMessage(`{
		"id": "900",
		"channel_id": "`+ch.ID().String()+`",
		"content": "`+content+`",
		"timestamp": "2020-01-02T03:04:05Z"
	}`), author, ch)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	return &MessageEvent{Generic: Generic{Kind: CreateMessage}, Message: msg}
}

// collector records the keys of fired callbacks
type collector struct {
	mu    sync.Mutex
	fired map[string]int
}

func (c *collector) handler(key string) Handler {
	return func(context.Context, Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.fired == nil {
			c.fired = make(map[string]int)
		}
		c.fired[key]++
		return nil
	}
}

func (c *collector) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired[key]
}

// TestFilterMatching tests OR within one filter name and AND across names
func TestFilterMatching(t *testing.T) {
	t.Parallel()

	general := mustChannel(t, `{"id":"10","type":0,"name":"general"}`)
	random := mustChannel(t, `{"id":"11","type":0,"name":"random"}`)

	tests := []struct {
		name    string
		filter  Filter
		channel *models.Channel
		content string
		want    bool
	}{
		{"empty filter", nil, random, "hi", true},
		{"channel name", Filter{"channel": "general"}, general, "hi", true},
		{"other channel name", Filter{"channel": "general"}, random, "hi", false},
		{"channel id", Filter{"channel": models.ID(11)}, random, "hi", true},
		{"channel entity", Filter{"channel": general}, general, "hi", true},
		{"channel pattern", Filter{"channel": regexp.MustCompile(`^gen`)}, general, "hi", true},
		{"channel and content", Filter{"channel": "general", "start_with": "!ping"}, general, "!ping me", true},
		{"channel but not content", Filter{"channel": "general", "start_with": "!ping"}, general, "pong", false},
		{"include string", Filter{"include": "needle"}, general, "hay needle hay", true},
		{"include pattern", Filter{"include": regexp.MustCompile(`n[e]+dle`)}, general, "neeedle", true},
		{"user name", Filter{"user": "alice"}, general, "hi", true},
		{"user id", Filter{"user": "7"}, general, "hi", true},
		{"wrong user", Filter{"user": "bob"}, general, "hi", false},
		{"before", Filter{"before": time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}, general, "hi", true},
		{"after", Filter{"after": time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}, general, "hi", false},
		{"unaccepted kind", Filter{"before": "yesterday"}, general, "hi", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev := messageEvent(t, tt.channel, tt.content)
			if got := matches(declarations[CreateMessage], ev, tt.filter); got != tt.want {
				t.Errorf("matches(%v) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

// TestTriggerRunsMatchingCallbacks tests that only matching callbacks fire
func TestTriggerRunsMatchingCallbacks(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	var c collector

	for key, filter := range map[string]Filter{
		"general": {"channel": "general"},
		"random":  {"channel": "random"},
		"all":     nil,
	} {
		if _, err := d.Register(CreateMessage, key, filter, c.handler(key)); err != nil {
			t.Fatalf("Register(%s): %v", key, err)
		}
	}

	ev := messageEvent(t, mustChannel(t, `{"id":"10","type":0,"name":"general"}`), "hello")
	if n := d.Trigger(context.Background(), ev); n != 2 {
		t.Errorf("started = %d, want 2", n)
	}
	d.Wait()

	if c.count("general") != 1 || c.count("all") != 1 || c.count("random") != 0 {
		t.Errorf("fired = %v", c.fired)
	}
}

// TestRegisterValidation tests key generation and filter name checks
func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	noop := func(context.Context, Event) error { return nil }

	key, err := d.Register(CreateMessage, "", nil, noop)
	if err != nil || key == "" {
		t.Fatalf("Register = %q, %v", key, err)
	}

	_, err = d.Register(CreateMessage, "", Filter{"colour": "red"}, noop)
	if !errors.Is(err, ErrUnknownFilter) {
		t.Errorf("err = %v, want ErrUnknownFilter", err)
	}
	if _, err := d.Register(CreateMessage, "", nil, nil); !errors.Is(err, ErrNoHandler) {
		t.Errorf("err = %v, want ErrNoHandler", err)
	}

	if got := d.Callbacks(CreateMessage); len(got) != 1 || got[0].Key != key {
		t.Errorf("Callbacks = %+v", got)
	}
	if !d.Remove(CreateMessage, key) || d.Remove(CreateMessage, key) {
		t.Error("Remove should succeed once")
	}
}

// TestCallbackFailureRaisesException tests error and panic containment
func TestCallbackFailureRaisesException(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	var exceptions int32
	var healthy int32

	_, _ = d.Register(Connect, "fails", nil, func(context.Context, Event) error {
		return errors.New("boom")
	})
	_, _ = d.Register(Connect, "panics", nil, func(context.Context, Event) error {
		panic("kaboom")
	})
	_, _ = d.Register(Connect, "healthy", nil, func(context.Context, Event) error {
		atomic.AddInt32(&healthy, 1)
		return nil
	})

	// the exception handler itself fails, which must not recurse
	_, _ = d.Register(Exception, "", Filter{"type": SourceEvent}, func(_ context.Context, ev Event) error {
		atomic.AddInt32(&exceptions, 1)
		if ev.(*ExceptionEvent).Err == nil {
			t.Error("exception event without error")
		}
		return errors.New("exception handler failed")
	})

	d.Trigger(context.Background(), NewGeneric(Connect))
	d.Wait()

	if n := atomic.LoadInt32(&exceptions); n != 2 {
		t.Errorf("exception events = %d, want 2", n)
	}
	if atomic.LoadInt32(&healthy) != 1 {
		t.Error("healthy callback should still run")
	}
}

// TestWorkerCap tests that MaxWorkers bounds concurrent callbacks
func TestWorkerCap(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(log.Disabled, config.EventsCfg{MaxWorkers: 2}, nil)
	var running, peak int32

	for i := 0; i < 6; i++ {
		_, _ = d.Register(Heartbeat, "", nil, func(context.Context, Event) error {
			now := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}

	if n := d.Trigger(context.Background(), NewGeneric(Heartbeat)); n != 6 {
		t.Fatalf("started = %d, want 6", n)
	}
	d.Wait()

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", p)
	}
}

// TestPresenceStatusFilter tests the typed status filter
func TestPresenceStatusFilter(t *testing.T) {
	t.Parallel()

	ev := &PresenceEvent{
		ServerEvent: ServerEvent{Generic: Generic{Kind: UpdatePresence}},
		Status:      models.StatusIdle,
		Game:        &models.Game{Name: "chess"},
	}

	decl := declarations[UpdatePresence]
	if !matches(decl, ev, Filter{"status": models.StatusIdle}) {
		t.Error("typed status should match")
	}
	if !matches(decl, ev, Filter{"status": "idle", "game": "chess"}) {
		t.Error("string status and game should match")
	}
	if matches(decl, ev, Filter{"status": models.StatusOnline}) {
		t.Error("different status should not match")
	}
}
