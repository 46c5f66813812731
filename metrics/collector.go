package metrics

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var Separator = "." //nolint:gochecknoglobals

// MKey names a metric as a dot separated path, e.g. "gateway.reconnects".
type MKey string

func NewMKey(parts ...string) MKey {
	return MKey(strings.Join(parts, Separator))
}

func (key MKey) Split() []string {
	return strings.Split(string(key), Separator)
}

func (key MKey) promName() string {
	return strings.NewReplacer(Separator, "_", "-", "_").Replace(string(key))
}

// Collector keeps prometheus counters and gauges addressed by MKey.
// All methods are safe on a nil *Collector and do nothing.
type Collector struct {
	namespace string
	registry  *prometheus.Registry

	mutex    sync.RWMutex
	counters map[MKey]prometheus.Counter
	gauges   map[MKey]prometheus.Gauge

	PrettyPrint bool
}

func New(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return &Collector{
		namespace: namespace,
		registry:  registry,
		counters:  make(map[MKey]prometheus.Counter),
		gauges:    make(map[MKey]prometheus.Gauge),
	}
}

func (c *Collector) RegisterCounters(keys ...MKey) {
	if c == nil {
		return
	}
	for _, key := range keys {
		c.counter(key)
	}
}

func (c *Collector) RegisterGauges(keys ...MKey) {
	if c == nil {
		return
	}
	for _, key := range keys {
		c.gauge(key)
	}
}

// Inc increments a gauge when key was registered as one, a counter otherwise.
func (c *Collector) Inc(key MKey) {
	if c == nil {
		return
	}

	c.mutex.RLock()
	g, ok := c.gauges[key]
	c.mutex.RUnlock()
	if ok {
		g.Inc()
		return
	}

	c.counter(key).Inc()
}

func (c *Collector) Add(key MKey, v float64) {
	if c == nil {
		return
	}
	c.counter(key).Add(v)
}

func (c *Collector) Dec(key MKey) {
	if c == nil {
		return
	}
	c.gauge(key).Dec()
}

func (c *Collector) Set(key MKey, v float64) {
	if c == nil {
		return
	}
	c.gauge(key).Set(v)
}

// Value reads the current value of a registered metric.
func (c *Collector) Value(key MKey) float64 {
	if c == nil {
		return 0
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var m dto.Metric
	if counter, ok := c.counters[key]; ok {
		_ = counter.Write(&m)
		return m.GetCounter().GetValue()
	}
	if gauge, ok := c.gauges[key]; ok {
		_ = gauge.Write(&m)
		return m.GetGauge().GetValue()
	}
	return 0
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Snapshot() map[MKey]float64 {
	if c == nil {
		return nil
	}

	c.mutex.RLock()
	keys := make([]MKey, 0, len(c.counters)+len(c.gauges))
	for key := range c.counters {
		keys = append(keys, key)
	}
	for key := range c.gauges {
		keys = append(keys, key)
	}
	c.mutex.RUnlock()

	data := make(map[MKey]float64, len(keys))
	for _, key := range keys {
		data[key] = c.Value(key)
	}
	return data
}

// MarshalJSON renders a flat key map, or a tree split on Separator when PrettyPrint is set.
func (c *Collector) MarshalJSON() ([]byte, error) {
	data := c.Snapshot()
	if c == nil || !c.PrettyPrint {
		return json.Marshal(data)
	}

	tree := make(map[string]interface{})
	for key, value := range data {
		node := tree
		parts := key.Split()
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
				if leaf, isLeaf := node[part].(float64); isLeaf {
					child["value"] = leaf
				}
				node[part] = child
			}
			node = child
		}

		last := parts[len(parts)-1]
		if child, ok := node[last].(map[string]interface{}); ok {
			child["value"] = value
			continue
		}
		node[last] = value
	}

	return json.Marshal(tree)
}

func (c *Collector) counter(key MKey) prometheus.Counter {
	c.mutex.RLock()
	counter, ok := c.counters[key]
	c.mutex.RUnlock()
	if ok {
		return counter
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if counter, ok = c.counters[key]; ok {
		return counter
	}

	counter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      key.promName(),
		Help:      string(key),
	})
	c.registry.MustRegister(counter)
	c.counters[key] = counter
	return counter
}

func (c *Collector) gauge(key MKey) prometheus.Gauge {
	c.mutex.RLock()
	gauge, ok := c.gauges[key]
	c.mutex.RUnlock()
	if ok {
		return gauge
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if gauge, ok = c.gauges[key]; ok {
		return gauge
	}

	gauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      key.promName(),
		Help:      string(key),
	})
	c.registry.MustRegister(gauge)
	c.gauges[key] = gauge
	return gauge
}
