package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"risk-pipeline/internal/schema"
)

// Config configures the HTTP profiler.
type Config struct {
	APIURL        string
	FetchTimeout  time.Duration
	FetchRetries  int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
	BatchSize     int
}

// DefaultConfig returns the default profiler settings.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:  5 * time.Second,
		FetchRetries:  3,
		MinRetryDelay: 100 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
		BatchSize:     50,
	}
}

// HTTPProfiler fetches profiles from the profiling service, retrying
// transient failures with jittered exponential backoff.
type HTTPProfiler struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTPProfiler creates an HTTPProfiler. Zero config fields take defaults.
func NewHTTPProfiler(cfg Config, logger *slog.Logger) *HTTPProfiler {
	def := DefaultConfig()
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	}
	if cfg.MinRetryDelay <= 0 {
		cfg.MinRetryDelay = def.MinRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.MinRetryDelay {
		cfg.MaxRetryDelay = cfg.MinRetryDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProfiler{config: cfg, client: &http.Client{Timeout: cfg.FetchTimeout}, logger: logger}
}

// errPermanent marks responses that are not worth retrying.
var errPermanent = errors.New("permanent failure")

// GetProfile fetches the profile of addr. A 404 yields an empty profile.
func (p *HTTPProfiler) GetProfile(ctx context.Context, addr string) (*schema.AddressProfile, error) {
	addr = strings.ToLower(addr)
	var out *schema.AddressProfile
	err := p.withRetry(ctx, addr, func(ctx context.Context) error {
		prof, err := p.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(addr), nil, addr)
		out = prof
		return err
	})
	return out, err
}

// Refresh asks the service to recompute the profile of addr.
func (p *HTTPProfiler) Refresh(ctx context.Context, addr string) (*schema.AddressProfile, error) {
	addr = strings.ToLower(addr)
	var out *schema.AddressProfile
	err := p.withRetry(ctx, addr, func(ctx context.Context) error {
		prof, err := p.do(ctx, http.MethodPost, "/profiles/"+url.PathEscape(addr)+"/refresh", nil, addr)
		out = prof
		return err
	})
	return out, err
}

type batchRequest struct {
	Addresses []string `json:"addresses"`
}

type batchResponse struct {
	Profiles []*schema.AddressProfile `json:"profiles"`
}

// GetProfiles fetches profiles in chunks of the configured batch size.
func (p *HTTPProfiler) GetProfiles(ctx context.Context, addrs []string) (map[string]*schema.AddressProfile, error) {
	out := make(map[string]*schema.AddressProfile, len(addrs))
	byLower := make(map[string]string, len(addrs))
	for _, a := range addrs {
		byLower[strings.ToLower(a)] = a
	}

	for start := 0; start < len(addrs); start += p.config.BatchSize {
		end := min(start+p.config.BatchSize, len(addrs))
		chunk := make([]string, 0, end-start)
		for _, a := range addrs[start:end] {
			chunk = append(chunk, strings.ToLower(a))
		}

		label := fmt.Sprintf("batch[%d:%d]", start, end)
		err := p.withRetry(ctx, label, func(ctx context.Context) error {
			body, err := json.Marshal(batchRequest{Addresses: chunk})
			if err != nil {
				return fmt.Errorf("%w: %v", errPermanent, err)
			}
			resp, err := p.send(ctx, http.MethodPost, "/profiles/batch", body)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if err := checkStatus(resp); err != nil {
				return err
			}
			var br batchResponse
			if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
				return fmt.Errorf("%w: decode batch: %v", errPermanent, err)
			}
			for _, prof := range br.Profiles {
				if prof == nil {
					continue
				}
				key := strings.ToLower(prof.Address)
				if orig, ok := byLower[key]; ok {
					prof.Address = key
					out[orig] = prof
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *HTTPProfiler) do(ctx context.Context, method, path string, body []byte, addr string) (*schema.AddressProfile, error) {
	resp, err := p.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return schema.EmptyProfile(addr), nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var prof schema.AddressProfile
	if err := json.NewDecoder(resp.Body).Decode(&prof); err != nil {
		return nil, fmt.Errorf("%w: decode profile: %v", errPermanent, err)
	}
	if prof.Address == "" {
		prof.Address = addr
	}
	prof.Address = strings.ToLower(prof.Address)
	prof.RiskScore = schema.Clamp01(prof.RiskScore)
	return &prof, nil
}

func (p *HTTPProfiler) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.config.APIURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", errPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.client.Do(req)
}

// checkStatus classifies a response: 5xx and 429 are retried, other
// non-2xx statuses are permanent.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("profile service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return fmt.Errorf("%w: %v", errPermanent, err)
}

// withRetry runs fn up to FetchRetries+1 times, each under FetchTimeout.
func (p *HTTPProfiler) withRetry(ctx context.Context, subject string, fn func(context.Context) error) error {
	attempts := p.config.FetchRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
		err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, errPermanent) || ctx.Err() != nil || attempt == attempts {
			return &FetchError{Address: subject, Attempts: attempt, Err: lastErr}
		}

		delay := p.backoff(attempt)
		p.logger.Debug("retrying profile fetch", "subject", subject, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return &FetchError{Address: subject, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return &FetchError{Address: subject, Attempts: attempts, Err: lastErr}
}

// backoff doubles the minimum delay per attempt, caps it at the maximum and
// adds up to 50% jitter.
func (p *HTTPProfiler) backoff(attempt int) time.Duration {
	d := p.config.MinRetryDelay << (attempt - 1)
	if d <= 0 || d > p.config.MaxRetryDelay {
		d = p.config.MaxRetryDelay
	}
	if half := int64(d / 2); half > 0 {
		d = d/2 + time.Duration(rand.Int64N(half+1))
	}
	return d
}
