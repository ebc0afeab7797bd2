package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// SignatureInfo is one entry of getSignaturesForAddress.
type SignatureInfo struct {
	Signature          string          `json:"signature"`
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err,omitempty"`
	Memo               *string         `json:"memo,omitempty"`
	BlockTime          *int64          `json:"blockTime,omitempty"`
	ConfirmationStatus string          `json:"confirmationStatus,omitempty"`
}

// Failed reports whether the transaction failed on chain.
func (info SignatureInfo) Failed() bool {
	return len(info.Err) > 0 && string(info.Err) != "null"
}

// SignaturesOptions pages getSignaturesForAddress. Before and Until are signatures.
type SignaturesOptions struct {
	Before     string `json:"before,omitempty"`
	Until      string `json:"until,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Commitment string `json:"commitment,omitempty"`
}

type commitmentConfig struct {
	Commitment string `json:"commitment,omitempty"`
}

type contextValue[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

// GetSlot returns the current slot.
func (client *Client) GetSlot(ctx context.Context, commitment string) (uint64, error) {
	var slot uint64
	err := client.call(ctx, &slot, "getSlot", commitmentParams(commitment)...)
	return slot, err
}

// GetBlockHeight returns the current block height.
func (client *Client) GetBlockHeight(ctx context.Context, commitment string) (uint64, error) {
	var height uint64
	err := client.call(ctx, &height, "getBlockHeight", commitmentParams(commitment)...)
	return height, err
}

// GetBalance returns the lamport balance of an account.
func (client *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	var balance contextValue[uint64]
	if err := client.call(ctx, &balance, "getBalance", address); err != nil {
		return 0, err
	}
	return balance.Value, nil
}

// GetBlock returns a full block as raw JSON.
func (client *Client) GetBlock(ctx context.Context, slot uint64) (json.RawMessage, error) {
	var block json.RawMessage
	err := client.call(ctx, &block, "getBlock", slot, map[string]interface{}{
		"encoding":                       "json",
		"maxSupportedTransactionVersion": 0,
		"transactionDetails":             "full",
		"rewards":                        false,
	})
	return block, err
}

// GetSignaturesForAddress returns signatures for transactions involving address, newest first.
func (client *Client) GetSignaturesForAddress(ctx context.Context, address string, options SignaturesOptions) ([]SignatureInfo, error) {
	var signatures []SignatureInfo
	err := client.call(ctx, &signatures, "getSignaturesForAddress", address, options)
	return signatures, err
}

// GetTransaction returns a transaction as raw JSON. A transaction that is not found yields null.
func (client *Client) GetTransaction(ctx context.Context, signature string) (json.RawMessage, error) {
	var transaction json.RawMessage
	err := client.call(ctx, &transaction, "getTransaction", signature, map[string]interface{}{
		"encoding":                       "json",
		"maxSupportedTransactionVersion": 0,
	})
	return transaction, err
}

// GetSignatureStatuses returns the statuses of the given signatures as raw JSON.
func (client *Client) GetSignatureStatuses(ctx context.Context, signatures []string) (json.RawMessage, error) {
	var statuses contextValue[json.RawMessage]
	if err := client.call(ctx, &statuses, "getSignatureStatuses", signatures); err != nil {
		return nil, err
	}
	return statuses.Value, nil
}

// SendTransaction submits a base64 encoded transaction and returns its signature.
// It is never cached and never retried after an ambiguous failure.
func (client *Client) SendTransaction(ctx context.Context, encodedTransaction string) (string, error) {
	envelope, err := NewEnvelope("sendTransaction", encodedTransaction, map[string]interface{}{"encoding": "base64"})
	if err != nil {
		return "", err
	}
	envelope = envelope.WithoutCache().WithIdempotent(false)

	payload, err := client.Send(ctx, envelope)
	if err != nil {
		return "", err
	}
	var signature string
	if err := json.Unmarshal(payload, &signature); err != nil {
		return "", fmt.Errorf("decode sendTransaction result: %w", err)
	}
	return signature, nil
}

func (client *Client) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	envelope, err := NewEnvelope(method, params...)
	if err != nil {
		return err
	}
	payload, err := client.Send(ctx, envelope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func commitmentParams(commitment string) []interface{} {
	if commitment == "" {
		return nil
	}
	return []interface{}{commitmentConfig{Commitment: commitment}}
}
