package monitor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/sigfuse/sigfuse/internal/netx"
)

// ChainProbe is an EVM JSON-RPC liveness probe: it calls eth_blockNumber on
// a configured cadence and reflects chain reachability in its heartbeat.
// It emits no RawEvents; on-chain event ingestion belongs to the DEX engine
// on the far side of the boundary.
type ChainProbe struct {
	core      *Core
	client    *netx.Client
	rpcURL    string
	interval  time.Duration
	policy    netx.Policy
	lastBlock uint64
}

// NewChainProbe builds the liveness probe.
func NewChainProbe(core *Core, client *netx.Client, rpcURL string, interval time.Duration) *ChainProbe {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ChainProbe{
		core:     core,
		client:   client,
		rpcURL:   rpcURL,
		interval: interval,
		// Transient RPC hiccups are retried within the cycle; a cycle that
		// still fails shows up as a heartbeat error.
		policy: netx.ExponentialPolicy(3, time.Second, 5*time.Second),
	}
}

// Run probes until the context ends.
func (p *ChainProbe) Run(ctx context.Context) error {
	logger := p.core.Logger()
	logger.Info().Str("rpc", p.rpcURL).Dur("interval", p.interval).Msg("chain probe started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.core.HB.IncrScans()
			if err := p.probe(ctx); err != nil {
				p.core.HB.IncrErrors()
				logger.Warn().Err(err).Msg("chain probe failed")
			}
		}
	}
}

func (p *ChainProbe) probe(ctx context.Context) error {
	return netx.Retry(ctx, p.policy, p.fetchBlock)
}

func (p *ChainProbe) fetchBlock(ctx context.Context) error {
	payload := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return netx.Permanent(errors.Wrap(err, "build rpc request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "rpc call")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// A rejected endpoint or bad auth will not heal within a cycle.
		return netx.Permanent(errors.Errorf("rpc status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("rpc status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read rpc body")
	}

	hex := jsoniter.Get(body, "result").ToString()
	block, err := parseHexUint(hex)
	if err != nil {
		return errors.Wrapf(err, "bad block number %q", hex)
	}

	if block > p.lastBlock {
		p.lastBlock = block
	}
	return nil
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, errors.New("empty hex")
	}
	return strconv.ParseUint(s, 16, 64)
}
