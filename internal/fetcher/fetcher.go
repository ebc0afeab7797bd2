// Package fetcher pages through the transaction history of an address.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dalfonso89/resilient-rpc/internal/rpc"
)

const (
	defaultBatchSize   = 100
	defaultConcurrency = 8
	// getSignaturesForAddress caps limit at 1000
	maxBatchSize = 1000
)

// Source is the subset of the RPC client the fetcher needs.
type Source interface {
	GetSignaturesForAddress(ctx context.Context, address string, options rpc.SignaturesOptions) ([]rpc.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (json.RawMessage, error)
}

// Transaction is one fetched transaction. Payload is the raw getTransaction result.
type Transaction struct {
	Signature string
	Slot      uint64
	BlockTime *int64
	Failed    bool
	Payload   json.RawMessage
}

// Progress reports how far the fetcher got.
type Progress struct {
	Fetched       int
	Skipped       int
	LastSignature string
	Done          bool
}

// Fetcher walks signatures from newest to oldest using the last seen signature as checkpoint.
type Fetcher struct {
	source  Source
	address string
	logger  *logrus.Logger

	batchSize   int
	concurrency int
	commitment  string
	until       string

	mu       sync.Mutex
	progress Progress
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithBatchSize sets the number of signatures requested per page.
func WithBatchSize(size int) Option {
	return func(fetcher *Fetcher) {
		if size > 0 {
			fetcher.batchSize = min(size, maxBatchSize)
		}
	}
}

// WithConcurrency bounds the number of transactions fetched at once.
func WithConcurrency(concurrency int) Option {
	return func(fetcher *Fetcher) {
		if concurrency > 0 {
			fetcher.concurrency = concurrency
		}
	}
}

// WithCommitment sets the commitment level for signature queries.
func WithCommitment(commitment string) Option {
	return func(fetcher *Fetcher) {
		fetcher.commitment = commitment
	}
}

// WithUntil stops paging at the given signature, exclusive.
func WithUntil(signature string) Option {
	return func(fetcher *Fetcher) {
		fetcher.until = signature
	}
}

// WithCheckpoint resumes paging after the given signature.
func WithCheckpoint(signature string) Option {
	return func(fetcher *Fetcher) {
		fetcher.progress.LastSignature = signature
	}
}

// New creates a fetcher for address.
func New(source Source, address string, logger *logrus.Logger, options ...Option) *Fetcher {
	fetcher := &Fetcher{
		source:      source,
		address:     address,
		logger:      logger,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
	}
	for _, option := range options {
		option(fetcher)
	}
	return fetcher
}

// FetchBatch fetches the next page of signatures and their transactions.
// Transactions that fail to load are logged and skipped. An empty page marks the fetcher done.
func (fetcher *Fetcher) FetchBatch(ctx context.Context) ([]Transaction, error) {
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()

	if fetcher.progress.Done {
		return nil, nil
	}

	signatures, err := fetcher.source.GetSignaturesForAddress(ctx, fetcher.address, rpc.SignaturesOptions{
		Before:     fetcher.progress.LastSignature,
		Until:      fetcher.until,
		Limit:      fetcher.batchSize,
		Commitment: fetcher.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signatures for %s: %w", fetcher.address, err)
	}
	if len(signatures) == 0 {
		fetcher.progress.Done = true
		fetcher.logger.WithFields(logrus.Fields{
			"address": fetcher.address,
			"fetched": fetcher.progress.Fetched,
			"skipped": fetcher.progress.Skipped,
		}).Info("Transaction history exhausted")
		return nil, nil
	}

	transactions, err := fetcher.fetchTransactions(ctx, signatures)
	if err != nil {
		return nil, err
	}

	fetcher.progress.LastSignature = signatures[len(signatures)-1].Signature
	fetcher.progress.Fetched += len(transactions)
	fetcher.progress.Skipped += len(signatures) - len(transactions)

	fetcher.logger.WithFields(logrus.Fields{
		"address":        fetcher.address,
		"signatures":     len(signatures),
		"transactions":   len(transactions),
		"last_signature": fetcher.progress.LastSignature,
	}).Debug("Fetched transaction batch")

	return transactions, nil
}

// fetchTransactions loads transactions concurrently, preserving signature order.
func (fetcher *Fetcher) fetchTransactions(ctx context.Context, signatures []rpc.SignatureInfo) ([]Transaction, error) {
	results := make([]*Transaction, len(signatures))

	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(fetcher.concurrency)

	for i, info := range signatures {
		group.Go(func() error {
			payload, err := fetcher.source.GetTransaction(groupContext, info.Signature)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fetcher.logger.WithFields(logrus.Fields{
					"signature": info.Signature,
					"error":     err.Error(),
				}).Warn("Failed to fetch transaction")
				return nil
			}
			if len(payload) == 0 || string(payload) == "null" {
				fetcher.logger.WithField("signature", info.Signature).Warn("Transaction not found")
				return nil
			}
			results[i] = &Transaction{
				Signature: info.Signature,
				Slot:      info.Slot,
				BlockTime: info.BlockTime,
				Failed:    info.Failed(),
				Payload:   payload,
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	transactions := make([]Transaction, 0, len(signatures))
	for _, result := range results {
		if result != nil {
			transactions = append(transactions, *result)
		}
	}
	return transactions, nil
}

// FetchAll pages until the history is exhausted, handing each non-empty batch to handle.
// It stops at the first error from the source or from handle.
func (fetcher *Fetcher) FetchAll(ctx context.Context, handle func([]Transaction) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		transactions, err := fetcher.FetchBatch(ctx)
		if err != nil {
			return err
		}
		if fetcher.Progress().Done {
			return nil
		}
		if len(transactions) == 0 || handle == nil {
			continue
		}
		if err := handle(transactions); err != nil {
			return fmt.Errorf("batch handler failed: %w", err)
		}
	}
}

// Progress returns a copy of the current progress.
func (fetcher *Fetcher) Progress() Progress {
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	return fetcher.progress
}

// Checkpoint returns the last signature processed.
func (fetcher *Fetcher) Checkpoint() string {
	return fetcher.Progress().LastSignature
}

// SetCheckpoint moves the paging position and clears the done flag.
func (fetcher *Fetcher) SetCheckpoint(signature string) {
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	fetcher.progress.LastSignature = signature
	fetcher.progress.Done = false
}
