// internal/monitoring/collector.go
package monitoring

import (
	"math"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/lumix-ai/warp/internal/learning"
	"github.com/lumix-ai/warp/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status - JSON snapshot served on /status
type Status struct {
	Phase       string             `json:"phase"`
	Session     int                `json:"session"`
	Epoch       int                `json:"epoch"`
	LR          float64            `json:"lr"`
	TestAcc     float64            `json:"test_acc"`
	BestUpdates int                `json:"best_updates"`
	SessionAcc  map[string]float64 `json:"session_acc"`
	Goroutines  int                `json:"goroutines"`
	HeapBytes   uint64             `json:"heap_bytes"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Collector keeps Prometheus metrics for one run on a private registry.
type Collector struct {
	registry *prometheus.Registry

	epochDuration prometheus.Histogram
	epochs        prometheus.Counter
	bestUpdates   prometheus.Counter
	lr            prometheus.Gauge
	trainLoss     prometheus.Gauge
	trainAcc      prometheus.Gauge
	testLoss      prometheus.Gauge
	testAcc       prometheus.Gauge
	sessionAcc    *prometheus.GaugeVec
	phase         *prometheus.GaugeVec
	memoryUsage   prometheus.Gauge
	goroutines    prometheus.Gauge

	mu     sync.RWMutex
	status Status
}

var _ session.Observer = (*Collector)(nil)

// NewCollector registers every metric on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		epochDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warp_epoch_duration_seconds",
			Help:    "Wall-clock time of one base-session epoch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		epochs: factory.NewCounter(prometheus.CounterOpts{
			Name: "warp_epochs_total",
			Help: "Finished base-session epochs",
		}),
		bestUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "warp_best_checkpoint_updates_total",
			Help: "Epochs that produced a new best checkpoint",
		}),
		lr: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warp_learning_rate",
			Help: "Learning rate of the last epoch",
		}),
		trainLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warp_train_loss",
			Help: "Mean training loss of the last epoch",
		}),
		trainAcc: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warp_train_accuracy",
			Help: "Training accuracy of the last epoch",
		}),
		testLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warp_test_loss",
			Help: "Test loss of the last epoch",
		}),
		testAcc: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warp_test_accuracy",
			Help: "Test accuracy of the last epoch",
		}),
		sessionAcc: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warp_session_accuracy_percent",
			Help: "Session-level accuracy in percent",
		}, []string{"session", "split"}),
		phase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warp_phase",
			Help: "1 for the phase the run is currently in",
		}, []string{"phase"}),
		memoryUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warp_heap_bytes",
			Help: "Heap bytes in use",
		}),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warp_goroutines",
			Help: "Number of goroutines",
		}),
		status: Status{SessionAcc: make(map[string]float64)},
	}
	return c
}

// Registry - the registry the metrics server exposes
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Epoch(r learning.EpochReport) {
	c.epochs.Inc()
	c.epochDuration.Observe(r.Elapsed.Seconds())
	c.lr.Set(r.LR)
	c.trainLoss.Set(r.TrainLoss)
	c.trainAcc.Set(r.TrainAcc)
	c.testLoss.Set(r.TestLoss)
	c.testAcc.Set(r.TestAcc)
	if r.Best {
		c.bestUpdates.Inc()
	}
	c.sampleRuntime()

	c.mu.Lock()
	c.status.Epoch = r.Epoch
	c.status.LR = r.LR
	c.status.TestAcc = r.TestAcc
	if r.Best {
		c.status.BestUpdates++
	}
	c.status.UpdatedAt = time.Now()
	c.mu.Unlock()
}

func (c *Collector) Session(r learning.SessionReport) {
	label := strconv.Itoa(r.Session)
	splits := map[string]float64{
		"all":            r.Row.Acc,
		"base":           r.Row.BaseAcc,
		"new":            r.Row.NewAcc,
		"base_given_new": r.Row.BaseAccGivenNew,
		"new_given_base": r.Row.NewAccGivenBase,
	}
	for split, v := range splits {
		// NaN marks an empty class group; leave the series absent.
		if math.IsNaN(v) {
			continue
		}
		c.sessionAcc.WithLabelValues(label, split).Set(v)
	}
	c.sampleRuntime()

	c.mu.Lock()
	c.status.Session = r.Session
	c.status.SessionAcc[label] = r.Row.Acc
	c.status.UpdatedAt = time.Now()
	c.mu.Unlock()
}

func (c *Collector) Phase(p session.Phase, sessionIdx int) {
	c.phase.Reset()
	c.phase.WithLabelValues(string(p)).Set(1)

	c.mu.Lock()
	c.status.Phase = string(p)
	c.status.Session = sessionIdx
	c.status.UpdatedAt = time.Now()
	c.mu.Unlock()
}

// Status returns a copy of the latest state.
func (c *Collector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.status
	s.SessionAcc = make(map[string]float64, len(c.status.SessionAcc))
	for k, v := range c.status.SessionAcc {
		s.SessionAcc[k] = v
	}
	s.Goroutines = runtime.NumGoroutine()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.HeapBytes = m.HeapAlloc
	return s
}

func (c *Collector) sampleRuntime() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.memoryUsage.Set(float64(m.HeapAlloc))
	c.goroutines.Set(float64(runtime.NumGoroutine()))
}
