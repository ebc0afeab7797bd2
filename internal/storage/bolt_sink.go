// Package storage persists successful RPC responses.
//
// BoltSink is fed through a bounded channel so Persist never blocks a request.
// A single writer goroutine drains the channel and writes records in batches,
// one bbolt transaction per batch. Records that do not fit in the channel are
// dropped and counted.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/dalfonso89/resilient-rpc/internal/config"
	"github.com/dalfonso89/resilient-rpc/internal/rpc"
)

var responsesBucket = []byte("responses")

// ErrClosed is returned by operations on a closed sink.
var ErrClosed = errors.New("sink is closed")

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	queueBatches         = 8
)

// BoltSink implements rpc.Sink on top of a bbolt database keyed by request fingerprint.
type BoltSink struct {
	db     *bbolt.DB
	logger *logrus.Logger

	batchSize     int
	flushInterval time.Duration

	records chan rpc.Record
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	written atomic.Uint64
}

// NewBoltSink opens the database at settings.Path and starts the batch writer.
func NewBoltSink(settings config.PersistConfig, logger *logrus.Logger) (*BoltSink, error) {
	db, err := bbolt.Open(settings.Path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(responsesBucket); err != nil {
			return fmt.Errorf("failed to create responses bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	batchSize := settings.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := settings.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	sink := &BoltSink{
		db:            db,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		records:       make(chan rpc.Record, batchSize*queueBatches),
		done:          make(chan struct{}),
	}
	go sink.run()

	logger.WithFields(logrus.Fields{
		"path":       settings.Path,
		"batch_size": batchSize,
	}).Info("Response persistence enabled")

	return sink, nil
}

// Persist queues a record. It never blocks: when the queue is full the record is dropped.
func (sink *BoltSink) Persist(record rpc.Record) {
	sink.mu.RLock()
	defer sink.mu.RUnlock()

	if sink.closed {
		sink.dropped.Add(1)
		return
	}

	select {
	case sink.records <- record:
	default:
		sink.dropped.Add(1)
		sink.logger.WithFields(logrus.Fields{
			"method":      record.Method,
			"fingerprint": record.Fingerprint,
		}).Warn("Persistence queue full, dropping record")
	}
}

func (sink *BoltSink) run() {
	defer close(sink.done)

	ticker := time.NewTicker(sink.flushInterval)
	defer ticker.Stop()

	batch := make([]rpc.Record, 0, sink.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := sink.PersistBatch(batch); err != nil {
			sink.logger.WithError(err).WithField("records", len(batch)).Error("Failed to persist responses")
		}
		batch = batch[:0]
	}

	for {
		select {
		case record, ok := <-sink.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, record)
			if len(batch) >= sink.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// PersistBatch writes records in a single transaction. A later record for the
// same fingerprint replaces the earlier one.
func (sink *BoltSink) PersistBatch(records []rpc.Record) error {
	if len(records) == 0 {
		return nil
	}

	err := sink.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(responsesBucket)
		for _, record := range records {
			value, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("failed to encode record %s: %w", record.Fingerprint, err)
			}
			if err := bucket.Put([]byte(record.Fingerprint), value); err != nil {
				return fmt.Errorf("failed to store record %s: %w", record.Fingerprint, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	sink.written.Add(uint64(len(records)))
	return nil
}

// Get returns the stored record for a fingerprint.
func (sink *BoltSink) Get(fingerprint string) (rpc.Record, bool, error) {
	var record rpc.Record
	found := false

	err := sink.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(responsesBucket).Get([]byte(fingerprint))
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, &record)
	})
	return record, found, err
}

// Count returns the number of stored records.
func (sink *BoltSink) Count() (int, error) {
	count := 0
	err := sink.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(responsesBucket).Stats().KeyN
		return nil
	})
	return count, err
}

// Dropped reports how many records were discarded because the queue was full or the sink closed.
func (sink *BoltSink) Dropped() uint64 {
	return sink.dropped.Load()
}

// Written reports how many records reached the database.
func (sink *BoltSink) Written() uint64 {
	return sink.written.Load()
}

// HealthCheck verifies the database is open and readable.
func (sink *BoltSink) HealthCheck() error {
	sink.mu.RLock()
	closed := sink.closed
	sink.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	return sink.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(responsesBucket) == nil {
			return errors.New("responses bucket missing")
		}
		return nil
	})
}

// Close flushes queued records and closes the database. It is safe to call more than once.
func (sink *BoltSink) Close() error {
	sink.mu.Lock()
	if sink.closed {
		sink.mu.Unlock()
		return nil
	}
	sink.closed = true
	close(sink.records)
	sink.mu.Unlock()

	<-sink.done
	return sink.db.Close()
}
