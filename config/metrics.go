package config

import (
	"github.com/Mijyuoon/MijDiscord/metrics"
)

const (
	GatewayConnects   metrics.MKey = "gateway.connects"
	GatewayReconnects metrics.MKey = "gateway.reconnects"
	GatewayHeartbeats metrics.MKey = "gateway.heartbeats"
	GatewayMissedAcks metrics.MKey = "gateway.missed_acks"
	GatewayDispatches metrics.MKey = "gateway.dispatches"

	RESTRequests          metrics.MKey = "rest.requests"
	RESTRateLimited       metrics.MKey = "rest.rate_limited"
	RESTGlobalRateLimited metrics.MKey = "rest.global_rate_limited"
	RESTServerErrors      metrics.MKey = "rest.server_errors"

	EventsTriggered metrics.MKey = "events.triggered"
	CallbacksRun    metrics.MKey = "events.callbacks"
	CallbackErrors  metrics.MKey = "events.callback_errors"

	CacheServers  metrics.MKey = "cache.servers"
	CacheChannels metrics.MKey = "cache.channels"
	CacheUsers    metrics.MKey = "cache.users"
	CacheMisses   metrics.MKey = "cache.misses"

	RelayPublished metrics.MKey = "relay.published"
	RelayDropped   metrics.MKey = "relay.dropped"
)

func RegisterAllKeys(c *metrics.Collector) {
	c.RegisterCounters(
		GatewayConnects,
		GatewayReconnects,
		GatewayHeartbeats,
		GatewayMissedAcks,
		GatewayDispatches,
		RESTRequests,
		RESTRateLimited,
		RESTGlobalRateLimited,
		RESTServerErrors,
		EventsTriggered,
		CallbacksRun,
		CallbackErrors,
		CacheMisses,
		RelayPublished,
		RelayDropped,
	)
	c.RegisterGauges(
		CacheServers,
		CacheChannels,
		CacheUsers,
	)
}

// NewCollector returns nil when metrics are disabled, which turns every metric call into a no-op.
func (cfg MonitoringCfg) NewCollector() *metrics.Collector {
	if !cfg.Metrics {
		return nil
	}

	c := metrics.New(cfg.Namespace)
	c.PrettyPrint = cfg.PrettyPrint
	RegisterAllKeys(c)
	return c
}
