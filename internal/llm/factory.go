package llm

import (
	"fmt"
	"time"

	"github.com/normanking/recall/internal/config"
)

// New builds the named provider from configuration.
func New(name string, cfg config.ProviderConfig) (StreamingProvider, error) {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	switch name {
	case "ollama":
		return NewOllama(cfg.Endpoint, cfg.Model, timeout), nil
	case "openai":
		return NewOpenAI(cfg.Endpoint, cfg.APIKey, cfg.Model, timeout), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
