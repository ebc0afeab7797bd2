// Package selector picks the next endpoint for an attempt.
package selector

import (
	"time"

	"github.com/dalfonso89/resilient-rpc/internal/ratelimit"
)

// Admitter takes one rate-limit token for an endpoint, or reports how long to wait.
type Admitter interface {
	TryAcquire(scope string) ratelimit.Admission
}

// AdmitFunc adapts a function to Admitter.
type AdmitFunc func(scope string) ratelimit.Admission

func (admit AdmitFunc) TryAcquire(scope string) ratelimit.Admission {
	return admit(scope)
}

// Selection is either an endpoint to dispatch to or Exhausted with the shortest wait.
type Selection struct {
	EndpointID string
	Exhausted  bool
	RetryAfter time.Duration
}

// Next walks candidates in order and returns the first one that is not yet tried and is admitted.
// When every candidate has been tried the exclusion is lifted. Admission consumes a token,
// so the returned endpoint must be dispatched to.
// With no candidates at all, the selection is Exhausted with a zero RetryAfter.
func Next(candidates []string, tried map[string]struct{}, admitter Admitter) Selection {
	eligible := untried(candidates, tried)
	if len(eligible) == 0 {
		eligible = candidates
	}

	var shortestWait time.Duration
	for _, endpointID := range eligible {
		admission := admitter.TryAcquire(endpointID)
		if admission.Admitted {
			return Selection{EndpointID: endpointID}
		}
		if shortestWait == 0 || admission.RetryAfter < shortestWait {
			shortestWait = admission.RetryAfter
		}
	}

	return Selection{Exhausted: true, RetryAfter: shortestWait}
}

func untried(candidates []string, tried map[string]struct{}) []string {
	if len(tried) == 0 {
		return candidates
	}
	eligible := make([]string, 0, len(candidates))
	for _, endpointID := range candidates {
		if _, seen := tried[endpointID]; !seen {
			eligible = append(eligible, endpointID)
		}
	}
	return eligible
}
