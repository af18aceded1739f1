package prometheus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-ingest/core"
	promclient "github.com/prometheus/client_golang/prometheus"
)

// Recorder implements core.MetricsRecorder over Prometheus counter and
// histogram vectors. Dotted metric names become underscored; label names
// are fixed by the first observation of a metric, later tags outside that
// set are dropped and missing ones recorded as "".
type Recorder struct {
	registerer promclient.Registerer
	namespace  string
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*promclient.CounterVec
	histograms map[string]*promclient.HistogramVec
	labels     map[string][]string
	onError    func(name string, err error)
}

type Option func(*Recorder)

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = sanitize(namespace)
	}
}

// WithBuckets overrides the histogram buckets. Durations are recorded in
// milliseconds.
func WithBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// WithErrorHandler receives registration failures, which are otherwise
// ignored so metric recording never fails a request.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(r *Recorder) {
		r.onError = fn
	}
}

func NewRecorder(registerer promclient.Registerer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = promclient.DefaultRegisterer
	}
	r := &Recorder{
		registerer: registerer,
		buckets:    promclient.ExponentialBuckets(1, 2, 16),
		counters:   map[string]*promclient.CounterVec{},
		histograms: map[string]*promclient.HistogramVec{},
		labels:     map[string][]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	vec, labels := r.counter(name, tags)
	if vec == nil {
		return
	}
	vec.WithLabelValues(labelValues(labels, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	vec, labels := r.histogram(name, tags)
	if vec == nil {
		return
	}
	vec.WithLabelValues(labelValues(labels, tags)...).Observe(value)
}

func (r *Recorder) counter(name string, tags map[string]string) (*promclient.CounterVec, []string) {
	key := sanitize(name)
	if key == "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[key]; ok {
		return vec, r.labels[key]
	}
	labels := labelNames(tags)
	vec := promclient.NewCounterVec(promclient.CounterOpts{
		Namespace: r.namespace,
		Name:      key,
		Help:      fmt.Sprintf("Counter for %s.", strings.TrimSpace(name)),
	}, labels)
	vec, ok := register(r, key, vec)
	if !ok {
		return nil, nil
	}
	r.counters[key] = vec
	r.labels[key] = labels
	return vec, labels
}

func (r *Recorder) histogram(name string, tags map[string]string) (*promclient.HistogramVec, []string) {
	key := sanitize(name)
	if key == "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[key]; ok {
		return vec, r.labels[key]
	}
	labels := labelNames(tags)
	vec := promclient.NewHistogramVec(promclient.HistogramOpts{
		Namespace: r.namespace,
		Name:      key,
		Help:      fmt.Sprintf("Histogram for %s.", strings.TrimSpace(name)),
		Buckets:   r.buckets,
	}, labels)
	vec, ok := register(r, key, vec)
	if !ok {
		return nil, nil
	}
	r.histograms[key] = vec
	r.labels[key] = labels
	return vec, labels
}

// register reuses an existing collector registered under the same
// descriptor, e.g. by a second Recorder sharing the registerer.
func register[T promclient.Collector](r *Recorder, name string, collector T) (T, bool) {
	if err := r.registerer.Register(collector); err != nil {
		var already promclient.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, typed := already.ExistingCollector.(T); typed {
				return existing, true
			}
		}
		if r.onError != nil {
			r.onError(name, err)
		}
		var zero T
		return zero, false
	}
	return collector, true
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	seen := map[string]struct{}{}
	for key := range tags {
		name := sanitize(key)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func labelValues(labels []string, tags map[string]string) []string {
	byName := make(map[string]string, len(tags))
	for key, value := range tags {
		byName[sanitize(key)] = value
	}
	values := make([]string, len(labels))
	for i, label := range labels {
		values[i] = byName[label]
	}
	return values
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

var _ core.MetricsRecorder = (*Recorder)(nil)
