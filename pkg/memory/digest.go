package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Digest is the bounded working-memory summary handed to a CI at
// session start. It never exceeds its token budget.
type Digest struct {
	SessionID    string   `json:"session_id"`
	CIName       string   `json:"ci_name"`
	Created      int64    `json:"created"`
	SunriseBrief string   `json:"sunrise_brief,omitempty"`
	Breadcrumbs  []string `json:"breadcrumbs,omitempty"`
	Items        []Item   `json:"items,omitempty"`
	TokenBudget  int      `json:"token_budget"`
	Tokens       int      `json:"tokens"`
}

// BuildDigest assembles a digest for a scope. The budget is
// DigestPercentage of contextTokens. The sunrise brief and breadcrumbs
// are charged first; items fill the remainder, important ones before
// the rest, newest first within each group. Items that do not fit are
// skipped, not truncated.
func (s *Store) BuildDigest(sessionID, ciName string, contextTokens int, tc *TokenCounter) (*Digest, error) {
	const op = "memory.Store.BuildDigest"
	budget := contextTokens * DigestPercentage / 100
	d := &Digest{
		SessionID:   sessionID,
		CIName:      ciName,
		Created:     time.Now().Unix(),
		TokenBudget: budget,
	}

	_, sunrise, err := s.Notes(sessionID, ciName)
	if err != nil {
		return nil, err
	}
	if sunrise != "" {
		cost := tc.Count(sunrise)
		if d.Tokens+cost <= budget {
			d.SunriseBrief = sunrise
			d.Tokens += cost
		}
	}

	crumbs, err := s.Breadcrumbs(sessionID, ciName)
	if err != nil {
		return nil, err
	}
	for _, c := range crumbs {
		cost := tc.Count(c)
		if d.Tokens+cost > budget {
			break
		}
		d.Breadcrumbs = append(d.Breadcrumbs, c)
		d.Tokens += cost
	}

	items, err := s.Items(sessionID, ciName)
	if err != nil {
		return nil, err
	}
	// Important first, then newest first.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Important != items[j].Important {
			return items[i].Important
		}
		return items[i].ID > items[j].ID
	})
	for _, it := range items {
		cost := tc.Count(it.Content)
		if d.Tokens+cost > budget {
			continue
		}
		d.Items = append(d.Items, it)
		d.Tokens += cost
	}

	s.log.Debug("Built digest for %s/%s: %d items, %d/%d tokens",
		sessionID, ciName, len(d.Items), d.Tokens, budget)
	return d, nil
}

// ToJSON serializes the digest.
func (d *Digest) ToJSON() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize digest: %w", err)
	}
	return data, nil
}
