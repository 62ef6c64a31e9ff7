package events

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the gateway's Prometheus metrics.
type Collector struct {
	completionsTotal   *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	timeToFirstToken   *prometheus.HistogramVec
	tokensUsed         *prometheus.CounterVec
	fallbacksTotal     *prometheus.CounterVec
	capacityRejections *prometheus.CounterVec
	routingBlocks      *prometheus.CounterVec

	batchItemsTotal   *prometheus.CounterVec
	batchItemDuration *prometheus.HistogramVec
	consumerInFlight  prometheus.Gauge
	queueDepth        *prometheus.GaugeVec
}

// NewCollector registers the gateway metrics on the given registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{}

	c.completionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Total number of completion requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.completionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	c.timeToFirstToken = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time to first streamed token in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider", "model"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens consumed",
		},
		[]string{"provider", "model", "type"},
	)

	c.fallbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Total number of fallback transitions between models",
		},
		[]string{"resource_id", "reason"},
	)

	c.capacityRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_rejections_total",
			Help:      "Total number of admissions rejected by the capacity gate",
		},
		[]string{"resource_id", "period"},
	)

	c.routingBlocks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_blocks_total",
			Help:      "Total number of requests blocked by routing rules",
		},
		[]string{"resource_id"},
	)

	c.batchItemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Total number of processed batch items",
		},
		[]string{"status"},
	)

	c.batchItemDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_item_duration_seconds",
			Help:      "Batch item processing duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	c.consumerInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_consumer_in_flight",
			Help:      "Number of batch items currently being processed",
		},
	)

	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_queue_depth",
			Help:      "Number of queued items per resource",
		},
		[]string{"resource"},
	)

	return c
}

// RecordCompletion counts one finished completion attempt chain.
func (c *Collector) RecordCompletion(provider, model, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.completionsTotal.WithLabelValues(provider, model, status).Inc()
	c.completionDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordTimeToFirstToken observes streaming latency to the first chunk.
func (c *Collector) RecordTimeToFirstToken(provider, model string, ttft time.Duration) {
	if c == nil {
		return
	}
	c.timeToFirstToken.WithLabelValues(provider, model).Observe(ttft.Seconds())
}

// RecordTokens counts prompt and completion token consumption.
func (c *Collector) RecordTokens(provider, model string, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	if promptTokens > 0 {
		c.tokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.tokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordFallback counts one transition to the next model in the chain.
func (c *Collector) RecordFallback(resourceID, reason string) {
	if c == nil {
		return
	}
	c.fallbacksTotal.WithLabelValues(resourceID, reason).Inc()
}

// RecordCapacityRejection counts one gate rejection.
func (c *Collector) RecordCapacityRejection(resourceID, period string) {
	if c == nil {
		return
	}
	c.capacityRejections.WithLabelValues(resourceID, period).Inc()
}

// RecordRoutingBlock counts one request denied by a BLOCK rule.
func (c *Collector) RecordRoutingBlock(resourceID string) {
	if c == nil {
		return
	}
	c.routingBlocks.WithLabelValues(resourceID).Inc()
}

// RecordBatchItem counts one finished batch item.
func (c *Collector) RecordBatchItem(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.batchItemsTotal.WithLabelValues(status).Inc()
	c.batchItemDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetInFlight reports the consumer's current concurrency.
func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.consumerInFlight.Set(float64(n))
}

// SetQueueDepth reports the queued item count for a resource.
func (c *Collector) SetQueueDepth(resource string, depth int64) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(resource).Set(float64(depth))
}
