package evm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadServiceWrapper_AppendsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req payloadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "redstone-arbitrum-prod", req.DataServiceID)
		assert.Equal(t, 3, req.UniqueSignersCount)
		_, _ = w.Write([]byte(`{"payload":"0xcafe"}`))
	}))
	defer srv.Close()

	w := NewPayloadServiceWrapper(srv.URL, "redstone-arbitrum-prod", 3, 0)
	out, err := w.Wrap(context.Background(), []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0xca, 0xfe}, out)
}

func TestPayloadServiceWrapper_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no signers", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := NewPayloadServiceWrapper(srv.URL, "redstone-avalanche-prod", 3, 0)
	_, err := w.Wrap(context.Background(), []byte{0x01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNoopWrapper(t *testing.T) {
	out, err := NoopWrapper{}.Wrap(context.Background(), []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, out)
}
