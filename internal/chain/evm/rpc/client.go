package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

type Client struct {
	httpClient *http.Client
	rpcURL     string
	requestID  atomic.Int64
	logger     *slog.Logger
}

func NewClient(rpcURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		rpcURL:     rpcURL,
		logger:     logger,
	}
}

func (c *Client) newRequest(method string, params []interface{}) Request {
	if params == nil {
		params = []interface{}{}
	}
	return Request{
		JSONRPC: "2.0",
		ID:      int(c.requestID.Add(1)),
		Method:  method,
		Params:  params,
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(c.newRequest(method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// callBatch sends requests as one JSON-RPC batch and returns the responses in
// request order. Per-entry errors stay inside the returned responses.
func (c *Client) callBatch(ctx context.Context, requests []Request) ([]Response, error) {
	if len(requests) == 0 {
		return []Response{}, nil
	}

	body, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	respBody, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var responses []Response
	if err := json.Unmarshal(respBody, &responses); err != nil {
		return nil, fmt.Errorf("unmarshal batch response: %w", err)
	}

	byID := make(map[int]Response, len(responses))
	for _, resp := range responses {
		byID[resp.ID] = resp
	}

	ordered := make([]Response, len(requests))
	for i, req := range requests {
		resp, ok := byID[req.ID]
		if !ok {
			return nil, fmt.Errorf("missing batch response for id %d (%s)", req.ID, req.Method)
		}
		ordered[i] = resp
	}
	return ordered, nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
