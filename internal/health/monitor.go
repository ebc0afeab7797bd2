package health

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/resilient-rpc/internal/config"
)

// EndpointSnapshot is a point-in-time view of one endpoint.
type EndpointSnapshot struct {
	ID                  string
	URL                 string
	Priority            int
	Status              Status
	HalfOpen            bool
	RollingLatency      time.Duration
	ConsecutiveFailures int
	OpenUntil           time.Time
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
	Successes           uint64
	Failures            uint64
	RateLimited         uint64
}

// cell is the health record of one endpoint, guarded by its own mutex.
type cell struct {
	endpoint config.EndpointConfig
	order    int

	mu     sync.Mutex
	fields fields
	state  state
}

// Monitor tracks per-endpoint health. The cell table is fixed at construction.
type Monitor struct {
	cells      map[string]*cell
	ordered    []*cell
	thresholds config.HealthConfig
	clock      func() time.Time
	logger     *logrus.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(healthMonitor *Monitor) {
		healthMonitor.clock = clock
	}
}

// NewMonitor creates a monitor with every endpoint starting Healthy.
func NewMonitor(endpoints []config.EndpointConfig, thresholds config.HealthConfig, logger *logrus.Logger, options ...Option) *Monitor {
	healthMonitor := &Monitor{
		cells:      make(map[string]*cell, len(endpoints)),
		ordered:    make([]*cell, 0, len(endpoints)),
		thresholds: thresholds,
		clock:      time.Now,
		logger:     logger,
	}
	for index, endpoint := range endpoints {
		endpointCell := &cell{endpoint: endpoint, order: index, state: stateHealthy}
		healthMonitor.cells[endpoint.ID] = endpointCell
		healthMonitor.ordered = append(healthMonitor.ordered, endpointCell)
	}
	for _, option := range options {
		option(healthMonitor)
	}
	return healthMonitor
}

// RecordOutcome folds one attempt result into the endpoint's state.
// Only transient failures count toward degradation; rate-limited, permanent and rejected
// failures mean the endpoint answered. A success restores a Degraded endpoint to Healthy
// unless that success is itself slower than the latency threshold.
func (healthMonitor *Monitor) RecordOutcome(endpointID string, outcome Outcome) {
	endpointCell, exists := healthMonitor.cells[endpointID]
	if !exists {
		healthMonitor.logger.WithField("endpoint", endpointID).Warn("Outcome recorded for unknown endpoint")
		return
	}

	now := healthMonitor.clock()

	endpointCell.mu.Lock()
	previous := classify(endpointCell.fields, healthMonitor.thresholds, now)
	switch {
	case outcome.Success:
		endpointCell.fields.recordSuccess(outcome.Latency, healthMonitor.thresholds, now)
	case outcome.Failure == FailureTransient:
		endpointCell.fields.recordTransientFailure(healthMonitor.thresholds, now)
	default:
		endpointCell.fields.recordNeutralFailure(outcome.Failure, now)
	}
	current := classify(endpointCell.fields, healthMonitor.thresholds, now)
	endpointCell.state = current
	failures := endpointCell.fields.consecutiveFailures
	openUntil := endpointCell.fields.openUntil
	rolling := endpointCell.fields.rollingLatency
	endpointCell.mu.Unlock()

	if previous != current {
		healthMonitor.logTransition(endpointID, previous, current, failures, openUntil, rolling)
	}
}

func (healthMonitor *Monitor) logTransition(endpointID string, from, to state, failures int, openUntil time.Time, rolling time.Duration) {
	entry := healthMonitor.logger.WithFields(logrus.Fields{
		"endpoint":             endpointID,
		"from":                 from.String(),
		"to":                   to.String(),
		"consecutive_failures": failures,
		"rolling_latency_ms":   rolling.Milliseconds(),
	})
	if to == stateOpen {
		entry.WithField("open_until", openUntil).Warn("Endpoint circuit opened")
		return
	}
	entry.Info("Endpoint health changed")
}

// current reads a cell's state as of now. Elapsed cooldowns surface here without an observation.
func (healthMonitor *Monitor) current(endpointCell *cell, now time.Time) (state, fields) {
	endpointCell.mu.Lock()
	defer endpointCell.mu.Unlock()

	endpointState := classify(endpointCell.fields, healthMonitor.thresholds, now)
	if endpointState != endpointCell.state {
		if endpointState == stateHalfOpen {
			healthMonitor.logger.WithField("endpoint", endpointCell.endpoint.ID).Info("Endpoint cooldown elapsed, probing allowed")
		}
		endpointCell.state = endpointState
	}
	return endpointState, endpointCell.fields
}

// StatusOf reports an endpoint's status. Unknown endpoints are Unhealthy.
func (healthMonitor *Monitor) StatusOf(endpointID string) Status {
	endpointCell, exists := healthMonitor.cells[endpointID]
	if !exists {
		return Unhealthy
	}
	endpointState, _ := healthMonitor.current(endpointCell, healthMonitor.clock())
	return endpointState.status()
}

// Candidates returns endpoint ids by preference: Healthy, then Degraded, then half-open.
// Ties break on priority, then rolling latency, then configuration order. Open circuits are excluded.
func (healthMonitor *Monitor) Candidates() []string {
	now := healthMonitor.clock()

	type ranked struct {
		id       string
		rank     int
		priority int
		latency  time.Duration
		order    int
	}

	candidates := make([]ranked, 0, len(healthMonitor.ordered))
	for _, endpointCell := range healthMonitor.ordered {
		endpointState, endpointFields := healthMonitor.current(endpointCell, now)
		if endpointState == stateOpen {
			continue
		}
		candidates = append(candidates, ranked{
			id:       endpointCell.endpoint.ID,
			rank:     endpointState.rank(),
			priority: endpointCell.endpoint.Priority,
			latency:  endpointFields.rollingLatency,
			order:    endpointCell.order,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		left, right := candidates[i], candidates[j]
		if left.rank != right.rank {
			return left.rank < right.rank
		}
		if left.priority != right.priority {
			return left.priority < right.priority
		}
		if left.latency != right.latency {
			return left.latency < right.latency
		}
		return left.order < right.order
	})

	ids := make([]string, len(candidates))
	for index, candidate := range candidates {
		ids[index] = candidate.id
	}
	return ids
}

// NextReopenAt reports the earliest time an open circuit admits a trial request.
// It returns false when no circuit is open.
func (healthMonitor *Monitor) NextReopenAt() (time.Time, bool) {
	now := healthMonitor.clock()

	var earliest time.Time
	for _, endpointCell := range healthMonitor.ordered {
		endpointState, endpointFields := healthMonitor.current(endpointCell, now)
		if endpointState != stateOpen {
			continue
		}
		if earliest.IsZero() || endpointFields.openUntil.Before(earliest) {
			earliest = endpointFields.openUntil
		}
	}
	return earliest, !earliest.IsZero()
}

// Snapshot returns the current state of every endpoint in configuration order.
func (healthMonitor *Monitor) Snapshot() []EndpointSnapshot {
	now := healthMonitor.clock()

	snapshots := make([]EndpointSnapshot, 0, len(healthMonitor.ordered))
	for _, endpointCell := range healthMonitor.ordered {
		endpointState, endpointFields := healthMonitor.current(endpointCell, now)
		snapshots = append(snapshots, EndpointSnapshot{
			ID:                  endpointCell.endpoint.ID,
			URL:                 endpointCell.endpoint.URL,
			Priority:            endpointCell.endpoint.Priority,
			Status:              endpointState.status(),
			HalfOpen:            endpointState == stateHalfOpen,
			RollingLatency:      endpointFields.rollingLatency,
			ConsecutiveFailures: endpointFields.consecutiveFailures,
			OpenUntil:           endpointFields.openUntil,
			LastSuccessAt:       endpointFields.lastSuccessAt,
			LastFailureAt:       endpointFields.lastFailureAt,
			Successes:           endpointFields.successes,
			Failures:            endpointFields.failures,
			RateLimited:         endpointFields.rateLimited,
		})
	}
	return snapshots
}

// Endpoint returns the configuration of an endpoint.
func (healthMonitor *Monitor) Endpoint(endpointID string) (config.EndpointConfig, bool) {
	endpointCell, exists := healthMonitor.cells[endpointID]
	if !exists {
		return config.EndpointConfig{}, false
	}
	return endpointCell.endpoint, true
}
