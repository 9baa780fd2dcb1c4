// Package health probes the settlement service's dependencies (database,
// audit chain, money rail) on an interval and reports an overall serving
// state.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency. A nil error means healthy.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// DependencyStatus is the last known state of one probe.
type DependencyStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	FailCount int       `json:"failCount"`
	LastError string    `json:"lastError,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// ChangeFunc is called when the overall state flips.
type ChangeFunc func(healthy bool)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(dependency string, ok bool)

// Checker runs the probes periodically. A dependency is degraded once it
// fails FailThreshold checks in a row and recovers on its next success.
type Checker struct {
	probes    []Probe
	cfg       Config
	mu        sync.Mutex
	status    map[string]*DependencyStatus
	healthy   bool
	onChange  ChangeFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Checker. Every dependency starts healthy.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	status := make(map[string]*DependencyStatus, len(probes))
	for _, p := range probes {
		status[p.Name] = &DependencyStatus{Name: p.Name, Healthy: true}
	}
	return &Checker{
		probes:  probes,
		cfg:     cfg,
		status:  status,
		healthy: true,
		logger:  logger,
	}
}

// OnChange configures the state-change callback.
func (h *Checker) OnChange(fn ChangeFunc) {
	h.onChange = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently, each under ProbeTimeout.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			h.record(p.Name, err)
		}(p)
	}
	wg.Wait()

	h.mu.Lock()
	healthy := true
	for _, s := range h.status {
		if !s.Healthy {
			healthy = false
			break
		}
	}
	changed := healthy != h.healthy
	h.healthy = healthy
	h.mu.Unlock()

	if changed {
		if healthy {
			h.logger.Info("health: serving")
		} else {
			h.logger.Warn("health: not serving")
		}
		if h.onChange != nil {
			h.onChange(healthy)
		}
	}
}

func (h *Checker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.status[name]
	s.CheckedAt = time.Now().UTC()
	if err == nil {
		if !s.Healthy {
			h.logger.Info("health: recovered", zap.String("dependency", name))
		}
		s.Healthy = true
		s.FailCount = 0
		s.LastError = ""
		return
	}

	s.FailCount++
	s.LastError = err.Error()
	if s.FailCount == h.cfg.FailThreshold {
		s.Healthy = false
		h.logger.Warn("health: degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", s.FailCount),
			zap.Error(err),
		)
	}
}

// Healthy reports whether every dependency is healthy.
func (h *Checker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// Statuses returns a snapshot of every dependency, sorted by name.
func (h *Checker) Statuses() []DependencyStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DependencyStatus, 0, len(h.status))
	for _, s := range h.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
