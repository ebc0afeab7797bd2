package rpc

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// AttemptEvent describes one physical network attempt.
type AttemptEvent struct {
	EndpointID string
	Method     string
	Attempt    int
	// Outcome is "success" or the failure kind.
	Outcome string
	Latency time.Duration
	Bytes   int
}

// Observer receives one event per attempt. Implementations must not block.
type Observer interface {
	ObserveAttempt(event AttemptEvent)
}

// CacheObserver is optionally implemented by observers interested in cache lookups.
type CacheObserver interface {
	ObserveCache(method string, hit bool)
}

// MultiObserver fans events out to several observers.
type MultiObserver []Observer

func (observers MultiObserver) ObserveAttempt(event AttemptEvent) {
	for _, observer := range observers {
		observer.ObserveAttempt(event)
	}
}

func (observers MultiObserver) ObserveCache(method string, hit bool) {
	for _, observer := range observers {
		if cacheObserver, ok := observer.(CacheObserver); ok {
			cacheObserver.ObserveCache(method, hit)
		}
	}
}

// LogObserver writes attempt events to the logger at debug level.
type LogObserver struct {
	Logger *logrus.Logger
}

func (logObserver LogObserver) ObserveAttempt(event AttemptEvent) {
	logObserver.Logger.WithFields(logrus.Fields{
		"endpoint":   event.EndpointID,
		"method":     event.Method,
		"attempt":    event.Attempt,
		"outcome":    event.Outcome,
		"latency_ms": event.Latency.Milliseconds(),
		"bytes":      event.Bytes,
	}).Debug("RPC attempt")
}

// Record is one successful response handed to the persistence sink.
type Record struct {
	Fingerprint string          `json:"fingerprint"`
	Method      string          `json:"method"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Sink accepts records fire-and-forget. Persist must not block and its failures never reach callers.
type Sink interface {
	Persist(record Record)
}

type discardSink struct{}

func (discardSink) Persist(Record) {}

type discardObserver struct{}

func (discardObserver) ObserveAttempt(AttemptEvent) {}
