package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type PrometheusMetrics struct {
	ctx        context.Context
	logger     types.Logger
	config     *types.MetricsConfig
	registry   *prometheus.Registry
	handler    http.Handler
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
	running    int32
}

func NewPrometheusMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	registry := prometheus.NewRegistry()
	if config.GoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	metrics := &PrometheusMetrics{
		ctx:        ctx,
		logger:     logger,
		config:     config,
		registry:   registry,
		handler:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", config.Namespace),
		zap.String("subsystem", config.Subsystem),
		zap.Bool("go_metrics", config.GoMetrics))

	return metrics, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	p.logger.Info("Prometheus metrics started")

	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	p.logger.Info("Prometheus metrics stopped")

	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	counter, exists := p.counters[name]
	if !exists {
		counter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        name,
				Help:        fmt.Sprintf("Counter metric %s", name),
				ConstLabels: p.config.Labels,
			},
			labelNames(labels),
		)

		p.registry.MustRegister(counter)
		p.counters[name] = counter

		p.logger.Debug("Prometheus counter created", zap.String("name", p.fullName(name)))
	}

	return &PrometheusCounter{logger: p.logger, counter: counter, labels: labels}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	gauge, exists := p.gauges[name]
	if !exists {
		gauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        name,
				Help:        fmt.Sprintf("Gauge metric %s", name),
				ConstLabels: p.config.Labels,
			},
			labelNames(labels),
		)

		p.registry.MustRegister(gauge)
		p.gauges[name] = gauge

		p.logger.Debug("Prometheus gauge created", zap.String("name", p.fullName(name)))
	}

	return &PrometheusGauge{logger: p.logger, gauge: gauge, labels: labels}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	histogram, exists := p.histograms[name]
	if !exists {
		histogram = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        name,
				Help:        fmt.Sprintf("Histogram metric %s", name),
				Buckets:     buckets,
				ConstLabels: p.config.Labels,
			},
			labelNames(labels),
		)

		p.registry.MustRegister(histogram)
		p.histograms[name] = histogram

		p.logger.Debug("Prometheus histogram created", zap.String("name", p.fullName(name)))
	}

	return &PrometheusHistogram{logger: p.logger, histogram: histogram, labels: labels}
}

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusMetrics) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		req, err := http.NewRequest(fasthttp.MethodGet, string(ctx.RequestURI()), nil)
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusBadRequest)
			return
		}

		req.Header.Set("Accept", string(ctx.Request.Header.Peek("Accept")))
		p.handler.ServeHTTP(types.NewFastResponseWriter(ctx), req)
	}
}

func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	gathering, err := p.registry.Gather()
	if err != nil {
		p.logger.Error("Failed to gather prometheus metrics", zap.Error(err))
		return nil, err
	}

	now := time.Now()

	var metrics []types.MetricValue
	for _, mf := range gathering {
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}

			metrics = append(metrics, types.MetricValue{
				Name:      mf.GetName(),
				Type:      mf.GetType().String(),
				Value:     sampleValue(m),
				Labels:    labels,
				Timestamp: now,
				Help:      mf.GetHelp(),
			})
		}
	}

	return utils.Marshal(metrics)
}

func (p *PrometheusMetrics) fullName(name string) string {
	return prometheus.BuildFQName(p.config.Namespace, p.config.Subsystem, name)
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Histogram != nil:
		return m.Histogram.GetSampleSum()
	case m.Summary != nil:
		return m.Summary.GetSampleSum()
	default:
		return m.GetUntyped().GetValue()
	}
}

// labelNames is sorted so every vector of a family sees the same order.
func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type PrometheusCounter struct {
	logger  types.Logger
	counter *prometheus.CounterVec
	labels  map[string]string
}

func (c *PrometheusCounter) Inc() {
	c.Add(1)
}

func (c *PrometheusCounter) Add(value float64) {
	counter, err := c.counter.GetMetricWith(c.labels)
	if err != nil {
		c.logger.Error("Counter labels mismatch", zap.Error(err))
		return
	}
	counter.Add(value)
}

func (c *PrometheusCounter) Get() float64 {
	counter, err := c.counter.GetMetricWith(c.labels)
	if err != nil {
		return 0
	}

	metric := &dto.Metric{}
	if err = counter.Write(metric); err != nil {
		c.logger.Error("Failed to write counter", zap.Error(err))
	}
	return metric.GetCounter().GetValue()
}

type PrometheusGauge struct {
	logger types.Logger
	gauge  *prometheus.GaugeVec
	labels map[string]string
}

func (g *PrometheusGauge) with() prometheus.Gauge {
	gauge, err := g.gauge.GetMetricWith(g.labels)
	if err != nil {
		g.logger.Error("Gauge labels mismatch", zap.Error(err))
		return nil
	}
	return gauge
}

func (g *PrometheusGauge) Set(value float64) {
	if gauge := g.with(); gauge != nil {
		gauge.Set(value)
	}
}

func (g *PrometheusGauge) Inc() {
	g.Add(1)
}

func (g *PrometheusGauge) Dec() {
	g.Add(-1)
}

func (g *PrometheusGauge) Add(value float64) {
	if gauge := g.with(); gauge != nil {
		gauge.Add(value)
	}
}

func (g *PrometheusGauge) Sub(value float64) {
	g.Add(-value)
}

func (g *PrometheusGauge) Get() float64 {
	gauge := g.with()
	if gauge == nil {
		return 0
	}

	metric := &dto.Metric{}
	if err := gauge.Write(metric); err != nil {
		g.logger.Error("Failed to write gauge", zap.Error(err))
	}
	return metric.GetGauge().GetValue()
}

type PrometheusHistogram struct {
	logger    types.Logger
	histogram *prometheus.HistogramVec
	labels    map[string]string
}

func (h *PrometheusHistogram) Observe(value float64) {
	observer, err := h.histogram.GetMetricWith(h.labels)
	if err != nil {
		h.logger.Error("Histogram labels mismatch", zap.Error(err))
		return
	}
	observer.Observe(value)
}

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *PrometheusHistogram) GetCount() uint64 {
	if histogram := h.snapshot(); histogram != nil {
		return histogram.GetSampleCount()
	}
	return 0
}

func (h *PrometheusHistogram) GetSum() float64 {
	if histogram := h.snapshot(); histogram != nil {
		return histogram.GetSampleSum()
	}
	return 0
}

func (h *PrometheusHistogram) snapshot() *dto.Histogram {
	observer, err := h.histogram.GetMetricWith(h.labels)
	if err != nil {
		return nil
	}

	promMetric, ok := observer.(prometheus.Metric)
	if !ok {
		return nil
	}

	metric := &dto.Metric{}
	if err = promMetric.Write(metric); err != nil {
		return nil
	}

	return metric.GetHistogram()
}
