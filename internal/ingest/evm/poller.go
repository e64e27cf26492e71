// Package evm polls EVM JSON-RPC endpoints for new blocks and queues their
// transactions as raw events.
package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"risk-pipeline/internal/queue"
	"risk-pipeline/internal/schema"
)

// Config holds EVM poller configuration.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Chains       []ChainConfig `yaml:"chains"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`  // max blocks per poll
	StartBlock   string        `yaml:"start_block"` // "latest", "earliest", or block number
	RPCTimeout   time.Duration `yaml:"rpc_timeout"`
}

// ChainConfig defines a single EVM chain to poll.
type ChainConfig struct {
	Name    string `yaml:"name"` // becomes the envelope chain ID
	RPCURL  string `yaml:"rpc_url"`
	Enabled bool   `yaml:"enabled"`
}

// Poller polls EVM JSON-RPC endpoints for blocks.
type Poller struct {
	config   Config
	queue    *queue.RingBuffer
	client   *http.Client
	chains   []chainState
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type chainState struct {
	config    ChainConfig
	lastBlock uint64
}

// NewPoller creates a poller for every enabled chain.
func NewPoller(cfg Config, q *queue.RingBuffer, logger *slog.Logger) *Poller {
	chains := make([]chainState, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		if c.Enabled {
			chains = append(chains, chainState{config: c})
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		config: cfg,
		queue:  q,
		client: &http.Client{Timeout: cfg.RPCTimeout},
		chains: chains,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins polling all configured chains.
func (p *Poller) Start(ctx context.Context) {
	for i := range p.chains {
		p.wg.Add(1)
		go p.pollChain(ctx, i)
	}
	p.logger.Info("EVM poller started", "chains", len(p.chains))
}

// Stop halts all polling goroutines.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("EVM poller stopped")
}

func (p *Poller) pollChain(ctx context.Context, idx int) {
	defer p.wg.Done()

	chain := &p.chains[idx]
	start, err := p.resolveStartBlock(ctx, chain)
	if err != nil {
		p.logger.Error("failed to resolve start block", "chain", chain.config.Name, "error", err)
		return
	}
	chain.lastBlock = start
	p.logger.Info("EVM polling started", "chain", chain.config.Name, "start_block", start)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.poll(ctx, chain)
		}
	}
}

func (p *Poller) resolveStartBlock(ctx context.Context, chain *chainState) (uint64, error) {
	switch p.config.StartBlock {
	case "", "latest":
		return p.getBlockNumber(ctx, chain)
	case "earliest":
		return 0, nil
	default:
		n, err := strconv.ParseUint(p.config.StartBlock, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid start_block %q: %w", p.config.StartBlock, err)
		}
		return n, nil
	}
}

// poll queues the transactions of up to BatchSize new blocks. A block is
// marked done only after all its transactions are queued.
func (p *Poller) poll(ctx context.Context, chain *chainState) int {
	latest, err := p.getBlockNumber(ctx, chain)
	if err != nil {
		p.logger.Warn("failed to get block number", "chain", chain.config.Name, "error", err)
		return 0
	}
	if latest <= chain.lastBlock {
		return 0
	}

	from := chain.lastBlock + 1
	end := chain.lastBlock + uint64(p.config.BatchSize)
	if end > latest {
		end = latest
	}

	queued := 0
	for n := from; n <= end; n++ {
		block, err := p.getBlock(ctx, chain, n)
		if err != nil {
			p.logger.Warn("failed to get block", "chain", chain.config.Name, "block", n, "error", err)
			break
		}
		envelopes := p.envelopes(chain, block)
		if err := p.enqueue(ctx, envelopes); err != nil {
			p.logger.Warn("failed to queue block", "chain", chain.config.Name, "block", n, "error", err)
			break
		}
		queued += len(envelopes)
		chain.lastBlock = n
	}

	p.logger.Debug("EVM poll complete",
		"chain", chain.config.Name,
		"from_block", from,
		"to_block", chain.lastBlock,
		"events", queued,
	)
	return queued
}

func (p *Poller) enqueue(ctx context.Context, envelopes []*schema.Envelope) error {
	for _, env := range envelopes {
		for {
			err := p.queue.Push(env)
			if err == nil {
				break
			}
			if !errors.Is(err, queue.ErrQueueFull) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.stopCh:
				return errors.New("poller stopped")
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return nil
}

// --- JSON-RPC ---

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *Poller) rpcCall(ctx context.Context, chain *chainState, method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chain.config.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (p *Poller) getBlockNumber(ctx context.Context, chain *chainState) (uint64, error) {
	result, err := p.rpcCall(ctx, chain, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, err
	}
	return parseHexUint64(hexNum)
}

type blockResult struct {
	Number       string        `json:"number"`
	Timestamp    string        `json:"timestamp"`
	Transactions []transaction `json:"transactions"`
}

type transaction struct {
	Hash  string `json:"hash"`
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Input string `json:"input"`
}

func (p *Poller) getBlock(ctx context.Context, chain *chainState, n uint64) (*blockResult, error) {
	result, err := p.rpcCall(ctx, chain, "eth_getBlockByNumber", []interface{}{fmt.Sprintf("0x%x", n), true})
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, fmt.Errorf("block %d not found", n)
	}
	var block blockResult
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// envelopes turns the transactions of a block into raw events. Contract
// creations carry no recipient and are skipped.
func (p *Poller) envelopes(chain *chainState, block *blockResult) []*schema.Envelope {
	number, _ := parseHexUint64(block.Number)
	ts, _ := parseHexUint64(block.Timestamp)
	received := time.Now().UTC()

	out := make([]*schema.Envelope, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		if tx.To == "" || tx.To == "0x" {
			continue
		}
		raw := schema.RawEvent{
			"hash":        tx.Hash,
			"from":        strings.ToLower(tx.From),
			"to":          strings.ToLower(tx.To),
			"value":       tx.Value,
			"blockNumber": number,
			"timestamp":   ts,
		}
		if len(tx.Input) > 2 {
			raw["input"] = tx.Input
		}
		out = append(out, &schema.Envelope{
			ChainID:    chain.config.Name,
			Raw:        raw,
			Source:     "evm",
			ReceivedAt: received,
		})
	}
	return out
}

func parseHexUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}
