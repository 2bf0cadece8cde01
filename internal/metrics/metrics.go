// Package metrics wires Prometheus collectors for the message plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the collectors used across the server. Collectors are
// registered against a private registry so tests can build as many as they
// need without duplicate-registration panics.
type Registry struct {
	reg *prometheus.Registry

	RPCRequests *prometheus.CounterVec
	RPCErrors   *prometheus.CounterVec

	IngestAccepted prometheus.Counter
	IngestDropped  prometheus.Counter

	FanoutPublished prometheus.Counter
	FanoutDropped   prometheus.Counter
	NATSMirrored    prometheus.Counter
	NATSErrors      prometheus.Counter

	StorePublishes *prometheus.CounterVec
	StoreQueries   *prometheus.CounterVec
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
}

// NewRegistry creates all collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msgplane_rpc_requests_total",
			Help: "Total RPC requests handled, by operation",
		}, []string{"op"}),
		RPCErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msgplane_rpc_errors_total",
			Help: "Total RPC error responses, by error code",
		}, []string{"code"}),
		IngestAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgplane_ingest_accepted_total",
			Help: "Total ingest items applied to a store",
		}),
		IngestDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgplane_ingest_dropped_total",
			Help: "Total ingest items dropped during validation",
		}),
		FanoutPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgplane_fanout_published_total",
			Help: "Total frames written to the pub socket",
		}),
		FanoutDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgplane_fanout_dropped_total",
			Help: "Total fan-out messages dropped due to back pressure",
		}),
		NATSMirrored: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgplane_nats_mirrored_total",
			Help: "Total frames mirrored to NATS",
		}),
		NATSErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgplane_nats_errors_total",
			Help: "Total NATS mirror publish failures",
		}),
		StorePublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msgplane_store_publishes_total",
			Help: "Total events published, by store",
		}, []string{"store"}),
		StoreQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msgplane_store_queries_total",
			Help: "Total scan queries served, by store",
		}, []string{"store"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msgplane_store_cache_hits_total",
			Help: "Total get_recent reads served from the read cache, by store",
		}, []string{"store"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msgplane_store_cache_misses_total",
			Help: "Total get_recent reads that fell back to the buffer, by store",
		}, []string{"store"}),
	}
}

// Handler returns an HTTP handler exposing the collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
