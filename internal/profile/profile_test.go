package profile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"risk-pipeline/internal/cache"
	"risk-pipeline/internal/schema"
)

const addr = "0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD"

func fastConfig(url string) Config {
	return Config{
		APIURL:        url,
		FetchTimeout:  time.Second,
		FetchRetries:  2,
		MinRetryDelay: time.Millisecond,
		MaxRetryDelay: 2 * time.Millisecond,
		BatchSize:     2,
	}
}

// ----------------------------------------------------------------------------
// HTTPProfiler
// ----------------------------------------------------------------------------

func TestHTTPProfiler_GetProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/profiles/"+strings.ToLower(addr) {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(schema.AddressProfile{Address: strings.ToLower(addr), RiskScore: 1.7, Tags: []string{"mixer"}})
	}))
	defer srv.Close()

	p := NewHTTPProfiler(fastConfig(srv.URL), nil)
	prof, err := p.GetProfile(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if prof.RiskScore != 1 {
		t.Errorf("RiskScore = %v, want clamped 1", prof.RiskScore)
	}
	if !prof.HasTag("mixer") {
		t.Errorf("Tags = %v", prof.Tags)
	}
}

func TestHTTPProfiler_NotFoundIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	prof, err := NewHTTPProfiler(fastConfig(srv.URL), nil).GetProfile(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if prof.RiskScore != 0 || prof.Address != strings.ToLower(addr) {
		t.Errorf("profile = %+v, want empty", prof)
	}
}

func TestHTTPProfiler_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(schema.AddressProfile{RiskScore: 0.4})
	}))
	defer srv.Close()

	prof, err := NewHTTPProfiler(fastConfig(srv.URL), nil).GetProfile(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if prof.RiskScore != 0.4 {
		t.Errorf("RiskScore = %v", prof.RiskScore)
	}
}

func TestHTTPProfiler_GivesUp(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"server error exhausts retries", http.StatusInternalServerError, 3},
		{"client error is permanent", http.StatusBadRequest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPProfiler(fastConfig(srv.URL), nil).GetProfile(context.Background(), addr)
			if !errors.Is(err, ErrProfileFetch) {
				t.Fatalf("error = %v, want ErrProfileFetch", err)
			}
			var fe *FetchError
			if !errors.As(err, &fe) || fe.Attempts != int(tt.wantCalls) {
				t.Errorf("FetchError = %+v", fe)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestHTTPProfiler_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/refresh") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(schema.AddressProfile{RiskScore: 0.2})
	}))
	defer srv.Close()

	prof, err := NewHTTPProfiler(fastConfig(srv.URL), nil).Refresh(context.Background(), addr)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if prof.RiskScore != 0.2 {
		t.Errorf("RiskScore = %v", prof.RiskScore)
	}
}

func TestHTTPProfiler_GetProfilesBatches(t *testing.T) {
	var batches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batches.Add(1)
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Addresses) > 2 {
			t.Errorf("batch of %d, want <= 2", len(req.Addresses))
		}
		var resp batchResponse
		for _, a := range req.Addresses {
			if a == "0xc" {
				continue
			}
			resp.Profiles = append(resp.Profiles, &schema.AddressProfile{Address: a, RiskScore: 0.5})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	got, err := NewHTTPProfiler(fastConfig(srv.URL), nil).GetProfiles(context.Background(), []string{"0xA", "0xb", "0xc"})
	if err != nil {
		t.Fatalf("GetProfiles() error = %v", err)
	}
	if batches.Load() != 2 {
		t.Errorf("batches = %d, want 2", batches.Load())
	}
	if len(got) != 2 || got["0xA"] == nil || got["0xb"] == nil {
		t.Errorf("GetProfiles() = %v", got)
	}
}

func TestBackoff(t *testing.T) {
	p := NewHTTPProfiler(Config{MinRetryDelay: 100 * time.Millisecond, MaxRetryDelay: time.Second}, nil)
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.backoff(attempt)
		if d < 50*time.Millisecond || d > time.Second {
			t.Errorf("backoff(%d) = %v, out of range", attempt, d)
		}
	}
}

// ----------------------------------------------------------------------------
// CachedProfiler
// ----------------------------------------------------------------------------

type countingProfiler struct {
	*StaticProfiler
	gets    atomic.Int32
	batches atomic.Int32
	fail    bool
}

func (c *countingProfiler) GetProfile(ctx context.Context, a string) (*schema.AddressProfile, error) {
	c.gets.Add(1)
	if c.fail {
		return nil, &FetchError{Address: a, Attempts: 1, Err: errors.New("down")}
	}
	return c.StaticProfiler.GetProfile(ctx, a)
}

func (c *countingProfiler) GetProfiles(ctx context.Context, addrs []string) (map[string]*schema.AddressProfile, error) {
	c.batches.Add(1)
	return c.StaticProfiler.GetProfiles(ctx, addrs)
}

func TestCachedProfiler_CacheAside(t *testing.T) {
	ctx := context.Background()
	inner := &countingProfiler{StaticProfiler: NewStaticProfiler(&schema.AddressProfile{Address: addr, RiskScore: 0.3})}
	mem := cache.NewMemoryClient()
	p := NewCachedProfiler(inner, mem, time.Hour, nil)

	for i := 0; i < 3; i++ {
		prof, err := p.GetProfile(ctx, addr)
		if err != nil || prof.RiskScore != 0.3 {
			t.Fatalf("GetProfile() = %+v, %v", prof, err)
		}
	}
	if inner.gets.Load() != 1 {
		t.Errorf("inner calls = %d, want 1", inner.gets.Load())
	}
	if _, err := mem.Get(ctx, CacheKey(addr)); err != nil {
		t.Errorf("profile not cached: %v", err)
	}
}

func TestCachedProfiler_ErrorNotCached(t *testing.T) {
	inner := &countingProfiler{StaticProfiler: NewStaticProfiler(), fail: true}
	mem := cache.NewMemoryClient()
	p := NewCachedProfiler(inner, mem, 0, nil)

	if _, err := p.GetProfile(context.Background(), addr); !errors.Is(err, ErrProfileFetch) {
		t.Errorf("error = %v, want ErrProfileFetch", err)
	}
	if mem.Len() != 0 {
		t.Errorf("cache holds %d entries after failure", mem.Len())
	}
}

func TestCachedProfiler_ClosedCacheFallsThrough(t *testing.T) {
	inner := &countingProfiler{StaticProfiler: NewStaticProfiler(&schema.AddressProfile{Address: addr, RiskScore: 0.6})}
	mem := cache.NewMemoryClient()
	mem.Close()

	prof, err := NewCachedProfiler(inner, mem, 0, nil).GetProfile(context.Background(), addr)
	if err != nil || prof.RiskScore != 0.6 {
		t.Errorf("GetProfile() = %+v, %v", prof, err)
	}
}

func TestCachedProfiler_GetProfilesFetchesOnlyMisses(t *testing.T) {
	ctx := context.Background()
	inner := &countingProfiler{StaticProfiler: NewStaticProfiler(
		&schema.AddressProfile{Address: "0xa", RiskScore: 0.1},
		&schema.AddressProfile{Address: "0xb", RiskScore: 0.9},
	)}
	p := NewCachedProfiler(inner, cache.NewMemoryClient(), 0, nil)

	if _, err := p.GetProfile(ctx, "0xa"); err != nil {
		t.Fatal(err)
	}
	got, err := p.GetProfiles(ctx, []string{"0xa", "0xb"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["0xb"].RiskScore != 0.9 {
		t.Errorf("GetProfiles() = %v", got)
	}
	if inner.batches.Load() != 1 {
		t.Errorf("batches = %d, want 1", inner.batches.Load())
	}

	if _, err := p.GetProfiles(ctx, []string{"0xa", "0xb"}); err != nil {
		t.Fatal(err)
	}
	if inner.batches.Load() != 1 {
		t.Errorf("fully cached lookup hit the inner profiler")
	}
}

func TestCachedProfiler_RefreshReplacesEntry(t *testing.T) {
	ctx := context.Background()
	static := NewStaticProfiler(&schema.AddressProfile{Address: addr, RiskScore: 0.2})
	inner := &countingProfiler{StaticProfiler: static}
	p := NewCachedProfiler(inner, cache.NewMemoryClient(), 0, nil)

	if _, err := p.GetProfile(ctx, addr); err != nil {
		t.Fatal(err)
	}
	static.Set(&schema.AddressProfile{Address: addr, RiskScore: 0.8})

	if prof, _ := p.GetProfile(ctx, addr); prof.RiskScore != 0.2 {
		t.Errorf("cached RiskScore = %v, want 0.2", prof.RiskScore)
	}
	if _, err := p.Refresh(ctx, addr); err != nil {
		t.Fatal(err)
	}
	if prof, _ := p.GetProfile(ctx, addr); prof.RiskScore != 0.8 {
		t.Errorf("refreshed RiskScore = %v, want 0.8", prof.RiskScore)
	}
	if got := static.Refreshed(); len(got) != 1 || got[0] != strings.ToLower(addr) {
		t.Errorf("Refreshed() = %v", got)
	}
}
