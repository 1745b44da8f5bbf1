// Package costs accumulates per-request token usage into session cost
// summaries and drives the cost- and token-awareness hooks.
package costs

import (
	"fmt"
	"sync"
	"time"

	"github.com/gptme/gptme/pkg/models"
)

// CostEntry records one provider request.
type CostEntry struct {
	Timestamp           time.Time `json:"timestamp"`
	Model               string    `json:"model"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
	CacheReadTokens     int       `json:"cache_read_tokens"`
	CacheCreationTokens int       `json:"cache_creation_tokens"`
	Cost                float64   `json:"cost"`
}

// warnThresholds are the cumulative USD levels that stage a pending warning
// when first crossed.
var warnThresholds = []float64{
	0.10, 0.50, 1, 5, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 200, 500, 1000,
}

// SessionCosts accumulates cost entries for one session. Each session owns
// its instance, so concurrent sessions in one process stay isolated.
type SessionCosts struct {
	mu      sync.Mutex
	entries []CostEntry
	pending []string
}

// NewSessionCosts creates an empty accumulator.
func NewSessionCosts() *SessionCosts {
	return &SessionCosts{}
}

// Record adds one request's usage. If the cumulative cost crossed a warning
// threshold, the warning is staged for the next user turn rather than
// surfaced immediately.
func (s *SessionCosts) Record(u *models.Usage) {
	if u == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.totalLocked()
	s.entries = append(s.entries, CostEntry{
		Timestamp:           time.Now(),
		Model:               u.Model,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		Cost:                u.Cost,
	})
	after := before + u.Cost

	for _, threshold := range warnThresholds {
		if before < threshold && after >= threshold {
			s.pending = append(s.pending,
				fmt.Sprintf("Session cost has exceeded $%.2f (now $%.4f).", threshold, after))
		}
	}
}

// Total returns the cumulative session cost in USD.
func (s *SessionCosts) Total() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLocked()
}

func (s *SessionCosts) totalLocked() float64 {
	total := 0.0
	for _, e := range s.entries {
		total += e.Cost
	}
	return total
}

// Entries returns a copy of all recorded entries.
func (s *SessionCosts) Entries() []CostEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CostEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Summary aggregates token counts across the session.
type Summary struct {
	Requests            int     `json:"requests"`
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	Cost                float64 `json:"cost"`
	CacheHitRate        float64 `json:"cache_hit_rate"`
}

// Summarize computes the session summary. The cache hit rate denominator
// includes plain input tokens because some content is intentionally
// non-cached; the resulting number reflects real efficiency.
func (s *SessionCosts) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	sum.Requests = len(s.entries)
	for _, e := range s.entries {
		sum.InputTokens += e.InputTokens
		sum.OutputTokens += e.OutputTokens
		sum.CacheReadTokens += e.CacheReadTokens
		sum.CacheCreationTokens += e.CacheCreationTokens
		sum.Cost += e.Cost
	}
	denom := sum.InputTokens + sum.CacheReadTokens + sum.CacheCreationTokens
	if denom > 0 {
		sum.CacheHitRate = float64(sum.CacheReadTokens) / float64(denom)
	}
	return sum
}

// TakePendingWarnings drains the staged warnings. The step engine calls
// this when the next user turn begins and injects them as hidden system
// messages.
func (s *SessionCosts) TakePendingWarnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	warnings := s.pending
	s.pending = nil
	return warnings
}
