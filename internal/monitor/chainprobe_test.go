package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigfuse/sigfuse/internal/netx"
)

func newTestProbe(t *testing.T, url string) *ChainProbe {
	t.Helper()
	core, _ := newTestCore(t, "chain_probe", "")
	p := NewChainProbe(core, testClient(), url, time.Second)
	p.policy = netx.ExponentialPolicy(3, time.Millisecond, 5*time.Millisecond)
	return p
}

func TestChainProbe_TracksBlockHeight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x10d4f"}`))
	}))
	defer server.Close()

	p := newTestProbe(t, server.URL)
	require.NoError(t, p.probe(context.Background()))
	assert.Equal(t, uint64(0x10d4f), p.lastBlock)
}

func TestChainProbe_RetriesTransientFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x2a"}`))
	}))
	defer server.Close()

	p := newTestProbe(t, server.URL)
	require.NoError(t, p.probe(context.Background()))
	assert.Equal(t, int32(3), hits.Load(), "two 502s retried within the cycle")
	assert.Equal(t, uint64(42), p.lastBlock)
}

func TestChainProbe_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	p := newTestProbe(t, server.URL)
	err := p.probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc status 401")
	assert.Equal(t, int32(1), hits.Load(), "4xx must fail the cycle immediately")
}
