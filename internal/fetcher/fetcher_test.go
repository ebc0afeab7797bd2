package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalfonso89/resilient-rpc/internal/rpc"
	"github.com/dalfonso89/resilient-rpc/internal/testutils"
)

// fakeSource serves a fixed history, newest first.
type fakeSource struct {
	history []string
	failing map[string]bool
	missing map[string]bool

	mu       sync.Mutex
	requests []rpc.SignaturesOptions

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeSource(history ...string) *fakeSource {
	return &fakeSource{history: history, failing: map[string]bool{}, missing: map[string]bool{}}
}

func (source *fakeSource) GetSignaturesForAddress(ctx context.Context, address string, options rpc.SignaturesOptions) ([]rpc.SignatureInfo, error) {
	source.mu.Lock()
	source.requests = append(source.requests, options)
	source.mu.Unlock()

	start := 0
	if options.Before != "" {
		start = len(source.history)
		for i, signature := range source.history {
			if signature == options.Before {
				start = i + 1
				break
			}
		}
	}
	end := min(start+options.Limit, len(source.history))

	page := make([]rpc.SignatureInfo, 0, end-start)
	for i := start; i < end; i++ {
		page = append(page, rpc.SignatureInfo{Signature: source.history[i], Slot: uint64(1000 - i)})
	}
	return page, nil
}

func (source *fakeSource) GetTransaction(ctx context.Context, signature string) (json.RawMessage, error) {
	current := source.inFlight.Add(1)
	defer source.inFlight.Add(-1)
	for {
		observed := source.maxInFlight.Load()
		if current <= observed || source.maxInFlight.CompareAndSwap(observed, current) {
			break
		}
	}

	if source.failing[signature] {
		return nil, &rpc.ClientError{Kind: rpc.KindAttemptsExhausted, Method: "getTransaction"}
	}
	if source.missing[signature] {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(fmt.Sprintf(`{"signature":%q}`, signature)), nil
}

func signaturesOf(transactions []Transaction) []string {
	signatures := make([]string, len(transactions))
	for i, transaction := range transactions {
		signatures[i] = transaction.Signature
	}
	return signatures
}

func TestFetcher_FetchBatch_Pagination(t *testing.T) {
	source := newFakeSource("sig1", "sig2", "sig3")
	fetcher := New(source, "addr", testutils.QuietLogger(), WithBatchSize(2))

	first, err := fetcher.FetchBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sig1", "sig2"}, signaturesOf(first))
	assert.Equal(t, "sig2", fetcher.Checkpoint())

	second, err := fetcher.FetchBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sig3"}, signaturesOf(second))
	assert.Equal(t, "sig3", fetcher.Checkpoint())

	third, err := fetcher.FetchBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, third)

	progress := fetcher.Progress()
	assert.True(t, progress.Done)
	assert.Equal(t, 3, progress.Fetched)

	require.Len(t, source.requests, 3)
	assert.Equal(t, "", source.requests[0].Before)
	assert.Equal(t, "sig2", source.requests[1].Before)
	assert.Equal(t, "sig3", source.requests[2].Before)
	assert.Equal(t, 2, source.requests[0].Limit)
}

func TestFetcher_FetchBatch_SkipsFailures(t *testing.T) {
	source := newFakeSource("sig1", "sig2", "sig3", "sig4")
	source.failing["sig2"] = true
	source.missing["sig3"] = true
	fetcher := New(source, "addr", testutils.QuietLogger(), WithBatchSize(10))

	transactions, err := fetcher.FetchBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"sig1", "sig4"}, signaturesOf(transactions))
	assert.JSONEq(t, `{"signature":"sig1"}`, string(transactions[0].Payload))
	assert.Equal(t, uint64(1000), transactions[0].Slot)

	progress := fetcher.Progress()
	assert.Equal(t, 2, progress.Fetched)
	assert.Equal(t, 2, progress.Skipped)
	assert.Equal(t, "sig4", progress.LastSignature, "checkpoint advances past skipped signatures")
}

func TestFetcher_FetchAll(t *testing.T) {
	history := make([]string, 25)
	for i := range history {
		history[i] = fmt.Sprintf("sig%02d", i)
	}
	source := newFakeSource(history...)
	fetcher := New(source, "addr", testutils.QuietLogger(), WithBatchSize(10), WithConcurrency(3))

	var batches [][]string
	err := fetcher.FetchAll(context.Background(), func(transactions []Transaction) error {
		batches = append(batches, signaturesOf(transactions))
		return nil
	})

	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 5)
	assert.Equal(t, 25, fetcher.Progress().Fetched)
	assert.True(t, fetcher.Progress().Done)
	assert.LessOrEqual(t, source.maxInFlight.Load(), int32(3))
}

func TestFetcher_FetchAll_HandlerError(t *testing.T) {
	source := newFakeSource("sig1", "sig2")
	fetcher := New(source, "addr", testutils.QuietLogger(), WithBatchSize(1))
	stop := errors.New("stop")

	err := fetcher.FetchAll(context.Background(), func([]Transaction) error { return stop })

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "sig1", fetcher.Checkpoint())
	assert.False(t, fetcher.Progress().Done)
}

func TestFetcher_FetchAll_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := New(newFakeSource("sig1"), "addr", testutils.QuietLogger())

	err := fetcher.FetchAll(ctx, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetcher_Checkpoint(t *testing.T) {
	source := newFakeSource("sig1", "sig2", "sig3")
	fetcher := New(source, "addr", testutils.QuietLogger(), WithCheckpoint("sig1"), WithBatchSize(5))

	transactions, err := fetcher.FetchBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sig2", "sig3"}, signaturesOf(transactions))

	_, err = fetcher.FetchBatch(context.Background())
	require.NoError(t, err)
	require.True(t, fetcher.Progress().Done)

	fetcher.SetCheckpoint("sig2")
	assert.False(t, fetcher.Progress().Done)
	transactions, err = fetcher.FetchBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sig3"}, signaturesOf(transactions))
}

func TestFetcher_UsesClient(t *testing.T) {
	var _ Source = (*rpc.Client)(nil)
}
