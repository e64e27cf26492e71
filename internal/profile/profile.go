// Package profile looks up address profiles from the profiling service.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"risk-pipeline/internal/schema"
)

// ErrProfileFetch is wrapped by every FetchError.
var ErrProfileFetch = errors.New("profile fetch failed")

// FetchError reports a failed profile lookup.
type FetchError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch profile %s after %d attempt(s): %v", e.Address, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrProfileFetch, e.Err}
}

// Profiler returns the profile of one address.
type Profiler interface {
	GetProfile(ctx context.Context, addr string) (*schema.AddressProfile, error)
	Refresh(ctx context.Context, addr string) (*schema.AddressProfile, error)
}

// BatchProfiler also looks up many addresses at once. Addresses without a
// profile are absent from the result.
type BatchProfiler interface {
	Profiler
	GetProfiles(ctx context.Context, addrs []string) (map[string]*schema.AddressProfile, error)
}

// StaticProfiler serves profiles from memory. Unknown addresses get an
// empty profile.
type StaticProfiler struct {
	mu        sync.RWMutex
	profiles  map[string]*schema.AddressProfile
	refreshed []string
}

// NewStaticProfiler creates a StaticProfiler seeded with profiles.
func NewStaticProfiler(profiles ...*schema.AddressProfile) *StaticProfiler {
	s := &StaticProfiler{profiles: make(map[string]*schema.AddressProfile)}
	for _, p := range profiles {
		s.Set(p)
	}
	return s
}

// Set stores p under its lower-cased address.
func (s *StaticProfiler) Set(p *schema.AddressProfile) {
	if p == nil {
		return
	}
	cp := *p
	cp.Address = strings.ToLower(p.Address)
	s.mu.Lock()
	s.profiles[cp.Address] = &cp
	s.mu.Unlock()
}

func (s *StaticProfiler) GetProfile(_ context.Context, addr string) (*schema.AddressProfile, error) {
	addr = strings.ToLower(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.profiles[addr]; ok {
		cp := *p
		return &cp, nil
	}
	return schema.EmptyProfile(addr), nil
}

func (s *StaticProfiler) Refresh(ctx context.Context, addr string) (*schema.AddressProfile, error) {
	s.mu.Lock()
	s.refreshed = append(s.refreshed, strings.ToLower(addr))
	s.mu.Unlock()
	return s.GetProfile(ctx, addr)
}

func (s *StaticProfiler) GetProfiles(_ context.Context, addrs []string) (map[string]*schema.AddressProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*schema.AddressProfile, len(addrs))
	for _, a := range addrs {
		if p, ok := s.profiles[strings.ToLower(a)]; ok {
			cp := *p
			out[a] = &cp
		}
	}
	return out, nil
}

// Refreshed lists the addresses passed to Refresh, in call order.
func (s *StaticProfiler) Refreshed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.refreshed...)
}
