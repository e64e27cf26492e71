// Package history stores recent transactions per address for the analyzers.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"risk-pipeline/internal/schema"
)

// DefaultMaxPerAddress bounds the in-memory history kept for one address.
const DefaultMaxPerAddress = 1000

// Store is the read/write contract the analyzers need from transaction history.
type Store interface {
	// Append records an event under both its sender and recipient.
	Append(ctx context.Context, event *schema.NormalizedEvent) error
	// RecentByAddress returns events sent or received by addr with a
	// timestamp at or after since, oldest first, keeping the newest limit.
	RecentByAddress(ctx context.Context, addr string, since time.Time, limit int) ([]*schema.NormalizedEvent, error)
	// Counterparties returns the distinct addresses addr transacted with,
	// most recent first.
	Counterparties(ctx context.Context, addr string, limit int) ([]string, error)
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	byAddr  map[string]*addressLog
	maxSize int
}

type addressLog struct {
	mu     sync.Mutex
	events []*schema.NormalizedEvent // ordered by timestamp
}

// NewMemoryStore creates an in-memory store keeping at most maxPerAddress
// events for each address.
func NewMemoryStore(maxPerAddress int) *MemoryStore {
	if maxPerAddress <= 0 {
		maxPerAddress = DefaultMaxPerAddress
	}
	return &MemoryStore{
		byAddr:  make(map[string]*addressLog),
		maxSize: maxPerAddress,
	}
}

func (s *MemoryStore) log(addr string, create bool) *addressLog {
	s.mu.RLock()
	l, ok := s.byAddr[addr]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok = s.byAddr[addr]
	if !ok {
		l = &addressLog{}
		s.byAddr[addr] = l
	}
	return l
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, event *schema.NormalizedEvent) error {
	if event == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.insert(event.From, event)
	if event.To != event.From {
		s.insert(event.To, event)
	}
	return nil
}

func (s *MemoryStore) insert(addr string, event *schema.NormalizedEvent) {
	if addr == "" {
		return
	}
	l := s.log(addr, true)

	l.mu.Lock()
	defer l.mu.Unlock()

	i := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].Timestamp > event.Timestamp
	})
	l.events = append(l.events, nil)
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = event

	if over := len(l.events) - s.maxSize; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
}

// RecentByAddress implements Store.
func (s *MemoryStore) RecentByAddress(ctx context.Context, addr string, since time.Time, limit int) ([]*schema.NormalizedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := s.log(addr, false)
	if l == nil {
		return []*schema.NormalizedEvent{}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if !since.IsZero() {
		cutoff := since.Unix()
		start = sort.Search(len(l.events), func(i int) bool {
			return l.events[i].Timestamp >= cutoff
		})
	}
	window := l.events[start:]
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}

	out := make([]*schema.NormalizedEvent, len(window))
	copy(out, window)
	return out, nil
}

// Counterparties implements Store.
func (s *MemoryStore) Counterparties(ctx context.Context, addr string, limit int) ([]string, error) {
	events, err := s.RecentByAddress(ctx, addr, time.Time{}, 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	out := []string{}
	for i := len(events) - 1; i >= 0; i-- {
		other := Counterparty(events[i], addr)
		if other == "" || seen[other] {
			continue
		}
		seen[other] = true
		out = append(out, other)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of addresses tracked.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAddr)
}

// Counterparty returns the other side of event relative to addr, or "" if
// addr is not a party or the event is a self-transfer.
func Counterparty(event *schema.NormalizedEvent, addr string) string {
	switch addr {
	case event.From:
		if event.To == addr {
			return ""
		}
		return event.To
	case event.To:
		return event.From
	}
	return ""
}
