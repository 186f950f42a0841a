package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEncoding is loaded once and reused across all trimming calls; the
// encoder itself holds no per-call state so it's safe to share.
var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func encoding() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding("cl100k_base")
	})
	return enc, encErr
}

// CountTokens estimates the token count of text. If the tokenizer can't be
// loaded, it falls back to a conservative 4-bytes-per-token heuristic
// rather than failing the whole turn over a missing tokenizer asset.
func CountTokens(text string) int {
	e, err := encoding()
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(e.Encode(text, nil, nil))
}

// messageText extracts a best-effort plain-text rendering of a Message's
// content for token counting purposes.
func messageText(m Message) string {
	switch v := m.Content.(type) {
	case string:
		return v
	case []ContentBlock:
		var out string
		for _, b := range v {
			out += b.Text + b.Content
		}
		return out
	default:
		return ""
	}
}

// TrimToBudget drops the oldest non-pinned turns from history until the
// combined token count of system+agent prompts, history, and the pending
// user message fits within budget. pinned marks indices in history that
// must never be dropped (the system prompt and the latest user turn, per
// spec) regardless of cost.
func TrimToBudget(systemPrompt, agentPrompt string, history []Message, pinned []bool, userMessage string, budget int) []Message {
	fixed := CountTokens(systemPrompt) + CountTokens(agentPrompt) + CountTokens(userMessage)

	costs := make([]int, len(history))
	total := fixed
	for i, m := range history {
		costs[i] = CountTokens(messageText(m))
		total += costs[i]
	}

	kept := make([]bool, len(history))
	for i := range kept {
		kept[i] = true
	}

	// Drop oldest-first, skipping pinned turns, until we fit or run out
	// of droppable turns.
	for i := 0; i < len(history) && total > budget; i++ {
		if i < len(pinned) && pinned[i] {
			continue
		}
		if !kept[i] {
			continue
		}
		kept[i] = false
		total -= costs[i]
	}

	out := make([]Message, 0, len(history))
	for i, m := range history {
		if kept[i] {
			out = append(out, m)
		}
	}
	return out
}
