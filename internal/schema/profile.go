package schema

import "time"

// AddressProfile is the profiling collaborator's view of an address.
// The pipeline only reads profiles.
type AddressProfile struct {
	Address          string    `json:"address"`
	RiskScore        float64   `json:"risk_score"`
	Tags             []string  `json:"tags,omitempty"`
	Category         string    `json:"category,omitempty"`
	TransactionCount int64     `json:"transaction_count"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	RelatedAddresses []string  `json:"related_addresses,omitempty"`
}

// EmptyProfile returns a zero-risk profile for an address with no history.
func EmptyProfile(address string) *AddressProfile {
	return &AddressProfile{Address: address}
}

// HasTag reports whether the profile carries tag (case-insensitive match on
// the whole tag or a "tag:" prefix).
func (p *AddressProfile) HasTag(tag string) bool {
	if p == nil {
		return false
	}
	for _, t := range p.Tags {
		if equalFoldPrefix(t, tag) {
			return true
		}
	}
	return false
}

func equalFoldPrefix(s, tag string) bool {
	if len(s) < len(tag) {
		return false
	}
	for i := 0; i < len(tag); i++ {
		a, b := s[i], tag[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return len(s) == len(tag) || s[len(tag)] == ':'
}
