package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// RPC represents a single RPC endpoint definition for a chain.
type RPC struct {
	Provider string `json:"provider"` // Name of the RPC provider (e.g., "parity", "onfinality")
	URL      string `json:"url"`      // WebSocket or HTTP(S) URL of the endpoint
}

// Chain represents the static definition of a blockchain network.
// Live endpoint health is not part of the config; it is merged in by the
// endpoint directory from the health store.
type Chain struct {
	Name       string `json:"name"`         // Human-readable chain name
	Testnet    bool   `json:"testnet"`      // Whether this is a test network
	EVMChainID uint64 `json:"evm_chain_id"` // Expected eth_chainId value; 0 for non-EVM chains
	RPCs       []RPC  `json:"rpcs"`         // Candidate endpoints in preference order
}

// Config holds all chain definitions keyed by logical chain id.
type Config struct {
	Chains map[string]Chain `json:"-"`
}

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
// This allows API keys to live outside the config file.
func substituteEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

// LoadConfig loads chain definitions from a JSON file.
// It reads the file, parses the JSON, and substitutes environment variables
// in every endpoint URL. Returns an error if the file cannot be read, the
// JSON is invalid, or a chain has no endpoints at all.
func LoadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config.Chains); err != nil {
		return nil, err
	}

	for chainID, chain := range config.Chains {
		if len(chain.RPCs) == 0 {
			return nil, fmt.Errorf("chain %q has no rpcs configured", chainID)
		}
		for i := range chain.RPCs {
			chain.RPCs[i].URL = substituteEnvVars(chain.RPCs[i].URL)
		}
		config.Chains[chainID] = chain
	}

	return &config, nil
}

// GetChain returns the definition for a chain id and whether it exists.
func (c *Config) GetChain(chainID string) (Chain, bool) {
	chain, exists := c.Chains[chainID]
	return chain, exists
}

// ChainIDs returns all configured chain ids.
func (c *Config) ChainIDs() []string {
	ids := make([]string, 0, len(c.Chains))
	for id := range c.Chains {
		ids = append(ids, id)
	}
	return ids
}
