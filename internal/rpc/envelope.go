package rpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is one logical request. Params is an encoded JSON array.
type Envelope struct {
	Method      string
	Params      json.RawMessage
	Fingerprint string
	// Deadline is when the client stops retrying. Zero means the configured request deadline.
	Deadline   time.Time
	Cacheable  bool
	Idempotent bool
	// TTL overrides the default cache TTL when positive.
	TTL time.Duration
}

// NewEnvelope encodes params and fingerprints the request. Methods are classified by
// the read and write method lists; callers can override the flags on the result.
func NewEnvelope(method string, params ...interface{}) (Envelope, error) {
	if params == nil {
		params = []interface{}{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode params for %s: %w", method, err)
	}
	return NewRawEnvelope(method, encoded)
}

// NewRawEnvelope builds an envelope from already encoded params.
// Empty or null params are treated as an empty list.
func NewRawEnvelope(method string, params json.RawMessage) (Envelope, error) {
	if method == "" {
		return Envelope{}, &Failure{Kind: KindPermanent, Cause: fmt.Errorf("method is required")}
	}

	canonical, err := canonicalParams(params)
	if err != nil {
		return Envelope{}, &Failure{Kind: KindPermanent, Cause: fmt.Errorf("params for %s: %w", method, err)}
	}

	return Envelope{
		Method:      method,
		Params:      canonical,
		Fingerprint: Fingerprint(method, canonical),
		Cacheable:   IsCacheable(method),
		Idempotent:  IsIdempotent(method),
	}, nil
}

// WithDeadline returns a copy with an absolute deadline.
func (envelope Envelope) WithDeadline(deadline time.Time) Envelope {
	envelope.Deadline = deadline
	return envelope
}

// WithCache returns a copy marked cacheable for ttl. A zero ttl uses the default.
func (envelope Envelope) WithCache(ttl time.Duration) Envelope {
	envelope.Cacheable = true
	envelope.TTL = ttl
	return envelope
}

// WithoutCache returns a copy that bypasses the cache and coalescing.
func (envelope Envelope) WithoutCache() Envelope {
	envelope.Cacheable = false
	return envelope
}

// WithIdempotent returns a copy with the idempotency flag set.
func (envelope Envelope) WithIdempotent(idempotent bool) Envelope {
	envelope.Idempotent = idempotent
	return envelope
}

// canonicalParams re-encodes params so equal values produce equal bytes:
// object keys sorted, whitespace removed, numbers kept verbatim.
func canonicalParams(params json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("[]"), nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var values []interface{}
	if err := decoder.Decode(&values); err != nil {
		return nil, fmt.Errorf("params must be a JSON array: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("params must be a single JSON array")
	}

	canonical, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// Fingerprint hashes the method and canonical params.
func Fingerprint(method string, canonicalParams json.RawMessage) string {
	hash := sha256.New()
	hash.Write([]byte(method))
	hash.Write([]byte{0})
	hash.Write(canonicalParams)
	return hex.EncodeToString(hash.Sum(nil))
}

var readMethods = map[string]struct{}{
	"getAccountInfo":                    {},
	"getBalance":                        {},
	"getBlock":                          {},
	"getBlockHeight":                    {},
	"getBlockTime":                      {},
	"getBlocks":                         {},
	"getEpochInfo":                      {},
	"getGenesisHash":                    {},
	"getLatestBlockhash":                {},
	"getMultipleAccounts":               {},
	"getProgramAccounts":                {},
	"getSignatureStatuses":              {},
	"getSignaturesForAddress":           {},
	"getSlot":                           {},
	"getTokenAccountBalance":            {},
	"getTokenAccountsByOwner":           {},
	"getTransaction":                    {},
	"getVersion":                        {},
	"getMinimumBalanceForRentExemption": {},
}

var writeMethods = map[string]struct{}{
	"sendTransaction": {},
	"requestAirdrop":  {},
}

// IsCacheable reports whether method is a known read whose result may be cached.
func IsCacheable(method string) bool {
	_, read := readMethods[method]
	return read
}

// IsIdempotent reports whether method may be retried after an ambiguous failure.
func IsIdempotent(method string) bool {
	_, write := writeMethods[method]
	return !write
}
