package llm

import (
	"fmt"

	"github.com/codefionn/fehlersuche/internal/config"
	"github.com/codefionn/fehlersuche/internal/secrets"
)

// NewClientFromConfig builds the provider client described by the
// configuration. API keys are resolved through the secrets package so the
// plaintext only exists transiently while the client is constructed.
func NewClientFromConfig(pc config.ProviderConfig) (Client, error) {
	switch pc.Type {
	case "anthropic":
		key, err := secrets.FromEnv(pc.APIKey, pc.APIKeyEnvVar)
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		defer key.Destroy()
		return NewAnthropicClient(key.Reveal(), pc.Model)
	case "openai-compatible":
		apiKey := ""
		if key, err := secrets.FromEnv(pc.APIKey, pc.APIKeyEnvVar); err == nil {
			// Local servers commonly run without auth, so a missing key is fine.
			defer key.Destroy()
			apiKey = key.Reveal()
		}
		return NewOpenAICompatibleClient(apiKey, pc.BaseURL, pc.Model)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
