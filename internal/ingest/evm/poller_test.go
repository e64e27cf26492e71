package evm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"risk-pipeline/internal/ingest"
	"risk-pipeline/internal/queue"
)

func newRPCServer(t *testing.T, head string, blocks map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		var result any
		switch req.Method {
		case "eth_blockNumber":
			result = head
		case "eth_getBlockByNumber":
			result = blocks[req.Params[0].(string)]
		default:
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
	}))
}

func TestPoll_QueuesTransactions(t *testing.T) {
	srv := newRPCServer(t, "0x5", map[string]any{
		"0x5": map[string]any{
			"number":    "0x5",
			"timestamp": "0x65536b00",
			"transactions": []map[string]any{
				{
					"hash":  "0xabc",
					"from":  "0x1111111111111111111111111111111111111111",
					"to":    "0x2222222222222222222222222222222222222222",
					"value": "0xde0b6b3a7640000",
					"input": "0x38ed173900000000",
				},
				{
					"hash":  "0xdef",
					"from":  "0x1111111111111111111111111111111111111111",
					"to":    "",
					"value": "0x0",
					"input": "0x6080",
				},
			},
		},
	})
	defer srv.Close()

	q := queue.NewRingBuffer(10)
	p := NewPoller(Config{
		Chains: []ChainConfig{{Name: "ethereum", RPCURL: srv.URL, Enabled: true}},
	}, q, slog.New(slog.NewTextHandler(io.Discard, nil)))
	chain := &p.chains[0]
	chain.lastBlock = 4

	if n := p.poll(context.Background(), chain); n != 1 {
		t.Fatalf("poll() queued %d, want 1", n)
	}
	if chain.lastBlock != 5 {
		t.Errorf("lastBlock = %d, want 5", chain.lastBlock)
	}

	env, err := q.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if env.ChainID != "ethereum" || env.Source != "evm" {
		t.Errorf("envelope = %+v", env)
	}

	// The queued raw event must pass the normalizer unchanged.
	evt, err := ingest.NewNormalizer(nil).Normalize(env.ChainID, env.Raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if evt.Value != "1000000000000000000" {
		t.Errorf("Value = %s", evt.Value)
	}
	if evt.BlockNumber != 5 || evt.Timestamp != 0x65536b00 {
		t.Errorf("block/timestamp = %d/%d", evt.BlockNumber, evt.Timestamp)
	}
	if evt.MethodName != "swapExactTokensForTokens" {
		t.Errorf("MethodName = %q", evt.MethodName)
	}
}

func TestPoll_NothingNew(t *testing.T) {
	srv := newRPCServer(t, "0x5", nil)
	defer srv.Close()

	q := queue.NewRingBuffer(10)
	p := NewPoller(Config{
		Chains: []ChainConfig{{Name: "ethereum", RPCURL: srv.URL, Enabled: true}},
	}, q, nil)
	chain := &p.chains[0]
	chain.lastBlock = 5

	if n := p.poll(context.Background(), chain); n != 0 {
		t.Errorf("poll() = %d, want 0", n)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d", q.Len())
	}
}

func TestPoll_MissingBlockKeepsPosition(t *testing.T) {
	srv := newRPCServer(t, "0x7", map[string]any{})
	defer srv.Close()

	p := NewPoller(Config{
		Chains: []ChainConfig{{Name: "ethereum", RPCURL: srv.URL, Enabled: true}},
	}, queue.NewRingBuffer(10), nil)
	chain := &p.chains[0]
	chain.lastBlock = 5

	p.poll(context.Background(), chain)
	if chain.lastBlock != 5 {
		t.Errorf("lastBlock = %d, want 5", chain.lastBlock)
	}
}

func TestResolveStartBlock(t *testing.T) {
	srv := newRPCServer(t, "0x10", nil)
	defer srv.Close()

	tests := []struct {
		start   string
		want    uint64
		wantErr bool
	}{
		{"", 16, false},
		{"latest", 16, false},
		{"earliest", 0, false},
		{"42", 42, false},
		{"forty", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.start, func(t *testing.T) {
			p := NewPoller(Config{
				StartBlock: tt.start,
				Chains:     []ChainConfig{{Name: "ethereum", RPCURL: srv.URL, Enabled: true}},
			}, queue.NewRingBuffer(1), nil)
			got, err := p.resolveStartBlock(context.Background(), &p.chains[0])
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("resolveStartBlock() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewPoller_SkipsDisabledChains(t *testing.T) {
	p := NewPoller(Config{Chains: []ChainConfig{
		{Name: "ethereum", Enabled: true},
		{Name: "polygon", Enabled: false},
	}}, queue.NewRingBuffer(1), nil)
	if len(p.chains) != 1 {
		t.Errorf("chains = %d, want 1", len(p.chains))
	}
}
