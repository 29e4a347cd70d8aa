// ABOUTME: Runtime-mutable reply settings with partial updates
// ABOUTME: Copy-on-read store guarded by a RWMutex, validated on patch

package reply

import (
	"fmt"
	"sync"
)

// Settings controls how automatic replies are generated. Values are read
// fresh on every generation, so a patch takes effect immediately.
type Settings struct {
	// Provider selects the completion backend by name ("openai", "anthropic").
	Provider string `json:"provider"`

	// AutoReply gates reply generation entirely when false.
	AutoReply bool `json:"autoReply"`

	SystemPrompt string  `json:"systemPrompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"maxTokens"`

	// HistoryBudget caps the prompt history in characters; oldest turns are
	// dropped first once exceeded.
	HistoryBudget int `json:"historyBudget"`
}

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	Provider      *string  `json:"provider,omitempty"`
	AutoReply     *bool    `json:"autoReply,omitempty"`
	SystemPrompt  *string  `json:"systemPrompt,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     *int     `json:"maxTokens,omitempty"`
	HistoryBudget *int     `json:"historyBudget,omitempty"`
}

// SettingsStore holds the current settings. Safe for concurrent use.
type SettingsStore struct {
	mu      sync.RWMutex
	current Settings

	// knownProviders validates Patch.Provider. Empty means accept anything.
	knownProviders map[string]bool
}

// NewSettingsStore creates a store seeded with initial. knownProviders lists
// the provider names a patch may select.
func NewSettingsStore(initial Settings, knownProviders []string) *SettingsStore {
	known := make(map[string]bool, len(knownProviders))
	for _, name := range knownProviders {
		known[name] = true
	}
	return &SettingsStore{current: initial, knownProviders: known}
}

// Current returns a copy of the settings.
func (s *SettingsStore) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Apply merges a patch and returns the resulting settings. Validation
// failures leave the store untouched.
func (s *SettingsStore) Apply(patch Patch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if patch.Provider != nil {
		if len(s.knownProviders) > 0 && !s.knownProviders[*patch.Provider] {
			return Settings{}, fmt.Errorf("unknown provider %q", *patch.Provider)
		}
		next.Provider = *patch.Provider
	}
	if patch.AutoReply != nil {
		next.AutoReply = *patch.AutoReply
	}
	if patch.SystemPrompt != nil {
		next.SystemPrompt = *patch.SystemPrompt
	}
	if patch.Temperature != nil {
		if *patch.Temperature < 0 || *patch.Temperature > 1 {
			return Settings{}, fmt.Errorf("temperature %v out of range [0, 1]", *patch.Temperature)
		}
		next.Temperature = *patch.Temperature
	}
	if patch.MaxTokens != nil {
		if *patch.MaxTokens < 0 {
			return Settings{}, fmt.Errorf("maxTokens must not be negative")
		}
		next.MaxTokens = *patch.MaxTokens
	}
	if patch.HistoryBudget != nil {
		if *patch.HistoryBudget < 0 {
			return Settings{}, fmt.Errorf("historyBudget must not be negative")
		}
		next.HistoryBudget = *patch.HistoryBudget
	}

	s.current = next
	return next, nil
}
