package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain and its stable asset.
type ChainDefinition struct {
	Type           string   `yaml:"type"`
	RPCURL         string   `yaml:"rpc_url"`
	RPCURLs        []string `yaml:"rpc_urls"`
	ChainID        int64    `yaml:"chain_id"`
	StableToken    string   `yaml:"stable_token"`
	StableDecimals int      `yaml:"stable_decimals"`
	MinterKeyEnv   string   `yaml:"minter_key_env"`
	Description    string   `yaml:"description"`
}

// Endpoints returns the RPC endpoints in failover order, de-duplicated.
func (d ChainDefinition) Endpoints() []string {
	seen := make(map[string]struct{}, len(d.RPCURLs)+1)
	out := make([]string, 0, len(d.RPCURLs)+1)
	for _, raw := range append(append([]string{}, d.RPCURLs...), d.RPCURL) {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}

// Decimals returns the stable token decimals, defaulting to 6.
func (d ChainDefinition) Decimals() int {
	if d.StableDecimals <= 0 {
		return 6
	}
	return d.StableDecimals
}

// Kind returns the normalised chain family.
func (d ChainDefinition) Kind() string {
	kind := strings.ToLower(strings.TrimSpace(d.Type))
	if kind == "" {
		return "evm"
	}
	return kind
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain definitions and normalises chain names.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var raw ChainDefinitions
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	defs := ChainDefinitions{Chains: make(map[string]ChainDefinition, len(raw.Chains))}
	for name, def := range raw.Chains {
		key := NormalizeChain(name)
		if _, dup := defs.Chains[key]; dup {
			return ChainDefinitions{}, fmt.Errorf("链 %s 重复定义", key)
		}
		defs.Chains[key] = def
	}
	return defs, nil
}

var chainAliases = map[string]string{
	"base":             "base_sepolia",
	"eth_sepolia":      "sepolia",
	"ethereum_sepolia": "sepolia",
	"solana":           "solana_devnet",
	"sol":              "solana_devnet",
}

// NormalizeChain maps user supplied chain labels onto registry keys.
func NormalizeChain(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if alias, ok := chainAliases[key]; ok {
		return alias
	}
	return key
}
