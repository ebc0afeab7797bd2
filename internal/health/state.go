package health

import (
	"time"

	"github.com/dalfonso89/resilient-rpc/internal/config"
)

// Status is the externally visible health of an endpoint.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (status Status) String() string {
	switch status {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// state is the internal circuit state. Half-open is an Unhealthy endpoint whose
// cooldown has elapsed; it is reported as Degraded and may take a trial request.
type state int

const (
	stateHealthy state = iota
	stateDegraded
	stateOpen
	stateHalfOpen
)

func (endpointState state) String() string {
	switch endpointState {
	case stateHealthy:
		return "healthy"
	case stateDegraded:
		return "degraded"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (endpointState state) status() Status {
	switch endpointState {
	case stateHealthy:
		return Healthy
	case stateOpen:
		return Unhealthy
	default:
		return Degraded
	}
}

// rank orders states for candidate selection. Open endpoints are never candidates.
func (endpointState state) rank() int {
	switch endpointState {
	case stateHealthy:
		return 0
	case stateDegraded:
		return 1
	case stateHalfOpen:
		return 2
	default:
		return 3
	}
}

// FailureKind is the classification of a failed attempt as seen by the monitor.
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailureRateLimited
	FailurePermanent
	// FailureRejected is an application error from an endpoint that answered.
	FailureRejected
)

// Outcome is one observed attempt result.
type Outcome struct {
	Success bool
	Latency time.Duration
	Failure FailureKind
}

// Success builds a successful outcome.
func Success(latency time.Duration) Outcome {
	return Outcome{Success: true, Latency: latency}
}

// Failure builds a failed outcome.
func Failure(kind FailureKind) Outcome {
	return Outcome{Failure: kind}
}

const (
	latencyAlpha       = 0.2
	baselineMinSamples = 5
	maxCooldownShift   = 30
)

// fields holds everything the state is derived from.
type fields struct {
	consecutiveFailures int
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	rollingLatency      time.Duration
	baselineLatency     time.Duration
	latencySamples      int
	openUntil           time.Time
	successes           uint64
	failures            uint64
	rateLimited         uint64
}

// classify derives the state from the fields. It is the only place a state is computed.
func classify(endpointFields fields, thresholds config.HealthConfig, now time.Time) state {
	if !endpointFields.openUntil.IsZero() {
		if now.Before(endpointFields.openUntil) {
			return stateOpen
		}
		return stateHalfOpen
	}
	if endpointFields.consecutiveFailures >= thresholds.DegradedAfter || latencyDegraded(endpointFields, thresholds) {
		return stateDegraded
	}
	return stateHealthy
}

func latencyDegraded(endpointFields fields, thresholds config.HealthConfig) bool {
	if thresholds.LatencyMultiple <= 0 || endpointFields.latencySamples < baselineMinSamples || endpointFields.baselineLatency <= 0 {
		return false
	}
	return float64(endpointFields.rollingLatency) > thresholds.LatencyMultiple*float64(endpointFields.baselineLatency)
}

// recordSuccess applies a success: failures reset, circuit closed, latency folded in.
// On a latency-degraded endpoint the rolling latency restarts from the fresh sample.
func (endpointFields *fields) recordSuccess(latency time.Duration, thresholds config.HealthConfig, now time.Time) {
	slow := latencyDegraded(*endpointFields, thresholds)

	endpointFields.successes++
	endpointFields.consecutiveFailures = 0
	endpointFields.openUntil = time.Time{}
	endpointFields.lastSuccessAt = now

	if endpointFields.latencySamples == 0 || slow {
		endpointFields.rollingLatency = latency
	} else {
		endpointFields.rollingLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(endpointFields.rollingLatency))
	}
	endpointFields.latencySamples++

	if endpointFields.latencySamples >= baselineMinSamples {
		if endpointFields.baselineLatency == 0 || endpointFields.rollingLatency < endpointFields.baselineLatency {
			endpointFields.baselineLatency = endpointFields.rollingLatency
		}
	}
}

// recordTransientFailure counts a failure and opens the circuit once the unhealthy threshold is reached.
// Each further failure past the threshold reopens it with a doubled cooldown.
func (endpointFields *fields) recordTransientFailure(thresholds config.HealthConfig, now time.Time) {
	endpointFields.failures++
	endpointFields.consecutiveFailures++
	endpointFields.lastFailureAt = now

	if endpointFields.consecutiveFailures >= thresholds.UnhealthyAfter {
		endpointFields.openUntil = now.Add(cooldown(endpointFields.consecutiveFailures-thresholds.UnhealthyAfter, thresholds))
	}
}

// recordNeutralFailure notes an answer that says nothing about endpoint health.
func (endpointFields *fields) recordNeutralFailure(kind FailureKind, now time.Time) {
	endpointFields.lastFailureAt = now
	if kind == FailureRateLimited {
		endpointFields.rateLimited++
		return
	}
	endpointFields.failures++
}

func cooldown(shift int, thresholds config.HealthConfig) time.Duration {
	if shift > maxCooldownShift {
		shift = maxCooldownShift
	}
	wait := thresholds.CooldownBase << uint(shift)
	if wait <= 0 || wait > thresholds.CooldownMax {
		return thresholds.CooldownMax
	}
	return wait
}
