package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CalldataWrapper appends whatever off-chain payload the target contract
// expects to find after the ABI-encoded arguments, such as signed oracle
// prices.
type CalldataWrapper interface {
	Wrap(ctx context.Context, calldata []byte) ([]byte, error)
}

// NoopWrapper leaves calldata untouched.
type NoopWrapper struct{}

func (NoopWrapper) Wrap(_ context.Context, calldata []byte) ([]byte, error) {
	return calldata, nil
}

// PayloadServiceWrapper fetches an oracle payload from an HTTP sidecar and
// appends it to the calldata.
type PayloadServiceWrapper struct {
	httpClient         *http.Client
	url                string
	dataServiceID      string
	uniqueSignersCount int
}

type payloadRequest struct {
	DataServiceID      string `json:"dataServiceId"`
	UniqueSignersCount int    `json:"uniqueSignersCount"`
}

type payloadResponse struct {
	Payload string `json:"payload"`
}

func NewPayloadServiceWrapper(url, dataServiceID string, uniqueSignersCount int, timeout time.Duration) *PayloadServiceWrapper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PayloadServiceWrapper{
		httpClient:         &http.Client{Timeout: timeout},
		url:                url,
		dataServiceID:      dataServiceID,
		uniqueSignersCount: uniqueSignersCount,
	}
}

func (w *PayloadServiceWrapper) Wrap(ctx context.Context, calldata []byte) ([]byte, error) {
	body, err := json.Marshal(payloadRequest{
		DataServiceID:      w.dataServiceID,
		UniqueSignersCount: w.uniqueSignersCount,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create payload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payload request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read payload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payload service status %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded payloadResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("unmarshal payload response: %w", err)
	}
	payload, err := hexutil.Decode(decoded.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	wrapped := make([]byte, 0, len(calldata)+len(payload))
	wrapped = append(wrapped, calldata...)
	return append(wrapped, payload...), nil
}
