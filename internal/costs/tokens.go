package costs

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gptme/gptme/pkg/models"
)

// tokensPerMessage is the per-message framing overhead in the OpenAI chat
// format; close enough for budget tracking across providers.
const tokensPerMessage = 3

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	encodingMu.RLock()
	cached, ok := encodingCache[model]
	encodingMu.RUnlock()
	if ok {
		return cached, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("costs: get encoding: %w", err)
		}
	}
	encodingMu.Lock()
	encodingCache[model] = encoding
	encodingMu.Unlock()
	return encoding, nil
}

// TokenBudget tracks conversation token usage against a budget. Counting is
// incremental: each message is tokenized once when added, so long logs do
// not re-tokenize from scratch on every turn.
type TokenBudget struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
	budget   int
	used     int
	counted  int
}

// NewTokenBudget creates a tracker for a model's tokenizer. A budget of 0
// disables warnings but still counts.
func NewTokenBudget(model string, budget int) (*TokenBudget, error) {
	encoding, err := encodingFor(model)
	if err != nil {
		return nil, err
	}
	return &TokenBudget{encoding: encoding, budget: budget}, nil
}

// Budget returns the configured token budget.
func (t *TokenBudget) Budget() int { return t.budget }

// Used returns the running token total.
func (t *TokenBudget) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Advance counts any messages beyond the last counted index and returns the
// new total.
func (t *TokenBudget) Advance(msgs []models.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ; t.counted < len(msgs); t.counted++ {
		msg := msgs[t.counted]
		t.used += tokensPerMessage
		t.used += len(t.encoding.Encode(string(msg.Role), nil, nil))
		t.used += len(t.encoding.Encode(msg.Content, nil, nil))
	}
	return t.used
}

// BudgetMessage renders the session-start budget marker.
func (t *TokenBudget) BudgetMessage() string {
	return fmt.Sprintf("<budget:token_budget>%d</budget:token_budget>", t.budget)
}

// UsageWarning renders the post-tool usage line, or "" when no budget is
// set.
func (t *TokenBudget) UsageWarning() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget <= 0 {
		return ""
	}
	remaining := t.budget - t.used
	return fmt.Sprintf("<system_warning>Token usage: %d/%d; %d remaining</system_warning>",
		t.used, t.budget, remaining)
}
