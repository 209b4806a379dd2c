package provider

import (
	"os"
	"sync"
	"time"

	"github.com/zivhm/yacb/internal/config"
)

// Factory resolves model identifiers to provider clients. Clients are
// built lazily and cached per provider so connection pools are shared
// across turns.
type Factory struct {
	cfg     *config.Config
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]Client
}

// NewFactory creates a client factory from the loaded configuration.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg:     cfg,
		timeout: cfg.CallTimeout(),
		clients: make(map[string]Client),
	}
}

// ClientFor returns the client serving a model identifier. The model
// must pass ValidateModel.
func (f *Factory) ClientFor(model string) (Client, error) {
	if err := ValidateModel(model); err != nil {
		return nil, err
	}
	providerName, _ := SplitModel(model)

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[providerName]; ok {
		return client, nil
	}

	spec, _ := FindSpec(providerName)
	apiKey, baseURL := f.credentials(spec)

	var client Client
	if spec.OpenAICompatible {
		client = NewOpenAIClient(spec, apiKey, baseURL, f.timeout)
	} else {
		client = NewAnthropicClient(apiKey, baseURL, f.timeout)
	}
	f.clients[providerName] = client
	return client, nil
}

// credentials resolves the API key and base URL for a provider:
// explicit config first, then the provider's environment variable.
func (f *Factory) credentials(spec Spec) (apiKey, baseURL string) {
	if pc, ok := f.cfg.Providers[spec.Name]; ok {
		apiKey = pc.APIKey
		baseURL = pc.BaseURL
	}
	if apiKey == "" {
		apiKey = os.Getenv(spec.EnvKey)
	}
	return apiKey, baseURL
}
