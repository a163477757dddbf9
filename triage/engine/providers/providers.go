// Package providers adapts inference backends to ports.Provider.
package providers

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/triage-engine/triage/config"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"
)

// New builds the backend named by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (ports.Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model, cfg.Temperature)
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature)
	case "scripted":
		return NewScripted(cfg.ScriptedReply), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.Provider)
	}
}
