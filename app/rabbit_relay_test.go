package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/log"
	"github.com/Mijyuoon/MijDiscord/metrics"
	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	fail bool
}

func (p *fakePublisher) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("channel closed")
	}
	p.sent = append(p.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func newTestRelay(cfg config.RabbitMQ, m *metrics.Collector) (*RabbitRelay, *fakePublisher) {
	cfg.Exchange.Exchange = "discord"
	cfg.Exchange.RoutingKey = "bot."

	relay := NewRabbitRelay(log.Disabled, cfg, 3, func() models.ID { return 42 }, m)
	pub := &fakePublisher{}
	relay.channel = pub
	return relay, pub
}

func runRelay(t *testing.T, relay *RabbitRelay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.loop(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestRelayPublishesDispatch tests routing key, headers and body of a relayed dispatch.
func TestRelayPublishesDispatch(t *testing.T) {
	t.Parallel()

	m := metrics.New("test")
	relay, pub := newTestRelay(config.RabbitMQ{Buffer: 4}, m)
	runRelay(t, relay)

	relay.Enqueue("MESSAGE_CREATE", 17, json.RawMessage(`{"id":"1"}`))
	waitFor(t, func() bool { return pub.count() == 1 })

	got := pub.sent[0]
	if got.exchange != "discord" || got.key != "bot.MESSAGE_CREATE" {
		t.Errorf("published to %s/%s", got.exchange, got.key)
	}
	if string(got.msg.Body) != `{"id":"1"}` {
		t.Errorf("body = %s", got.msg.Body)
	}
	if got.msg.ContentType != "application/json" || got.msg.DeliveryMode != amqp.Transient {
		t.Errorf("unexpected publishing %+v", got.msg)
	}

	header, err := models.ParseRabbitHeader(amqp.Delivery{Headers: got.msg.Headers})
	if err != nil {
		t.Fatalf("ParseRabbitHeader: %v", err)
	}
	want := models.RabbitHeader{Event: "MESSAGE_CREATE", Sequence: 17, Shard: 3, BotID: "42"}
	if header != want {
		t.Errorf("header = %+v, want %+v", header, want)
	}

	waitFor(t, func() bool { return m.Value(config.RelayPublished) == 1 })
}

// TestRelayFiltersEvents tests that only configured dispatch names are relayed.
func TestRelayFiltersEvents(t *testing.T) {
	t.Parallel()

	relay, _ := newTestRelay(config.RabbitMQ{Buffer: 4, Events: []string{"MESSAGE_CREATE"}}, nil)

	relay.Enqueue("TYPING_START", 1, json.RawMessage(`{}`))
	relay.Enqueue("MESSAGE_CREATE", 2, nil)
	relay.Enqueue("MESSAGE_CREATE", 3, json.RawMessage(`{}`))

	if n := len(relay.queue); n != 1 {
		t.Fatalf("queued %d dispatches, want 1", n)
	}
	if msg := <-relay.queue; msg.header.Sequence != 3 {
		t.Errorf("queued sequence %d", msg.header.Sequence)
	}
}

// TestRelayDropsWhenFull tests that a full queue never blocks the caller.
func TestRelayDropsWhenFull(t *testing.T) {
	t.Parallel()

	m := metrics.New("test")
	relay, _ := newTestRelay(config.RabbitMQ{Buffer: 1}, m)

	data := json.RawMessage(`{"n":1}`)
	relay.Enqueue("MESSAGE_CREATE", 1, data)
	relay.Enqueue("MESSAGE_CREATE", 2, data)
	relay.Enqueue("MESSAGE_CREATE", 3, data)

	if got := m.Value(config.RelayDropped); got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}

	data[5] = '2'
	if msg := <-relay.queue; string(msg.body) != `{"n":1}` {
		t.Errorf("queued body aliases the gateway buffer: %s", msg.body)
	}
}

// TestRelayPublishFailure tests that a failed publish is counted and the loop keeps going.
func TestRelayPublishFailure(t *testing.T) {
	t.Parallel()

	m := metrics.New("test")
	relay, pub := newTestRelay(config.RabbitMQ{Buffer: 4}, m)
	pub.fail = true
	runRelay(t, relay)

	relay.Enqueue("READY", 1, json.RawMessage(`{}`))
	waitFor(t, func() bool { return m.Value(config.RelayDropped) == 1 })

	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()

	relay.Enqueue("READY", 2, json.RawMessage(`{}`))
	waitFor(t, func() bool { return pub.count() == 1 })
}
