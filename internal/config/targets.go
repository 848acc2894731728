package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/executor"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultTargetsYAML []byte

// TargetsFile is the YAML document behind KEEPER_TARGETS_FILE.
type TargetsFile struct {
	Targets    []TargetConfig           `yaml:"targets"`
	Rejections []executor.RejectionRule `yaml:"rejections"`
	Coverage   CoverageConfig           `yaml:"coverage"`
	TokenSync  TokenSyncConfig          `yaml:"tokensync"`
	Benchmarks BenchmarksConfig         `yaml:"benchmarks"`
}

type TargetConfig struct {
	Chain   model.Chain   `yaml:"chain"`
	Network model.Network `yaml:"network"`
	ChainID int64         `yaml:"chain_id"`
	// RPCURLEnv names the variable holding the endpoint; RPCURL is the
	// fallback when it is unset.
	RPCURLEnv string `yaml:"rpc_url_env"`
	RPCURL    string `yaml:"rpc_url"`
	Registry  string `yaml:"registry"`

	DataServiceID string `yaml:"data_service_id"`
	UniqueSigners int    `yaml:"unique_signers"`

	Resources []model.Resource `yaml:"resources"`
	Disabled  bool             `yaml:"disabled"`
}

type CoverageConfig struct {
	Chain            model.Chain `yaml:"chain"`
	TokenManager     string      `yaml:"token_manager"`
	SafeChainID      string      `yaml:"safe_chain_id"`
	KnownIdentifiers []string    `yaml:"known_identifiers"`
	WorkDir          string      `yaml:"-"`
}

type TokenSyncConfig struct {
	Chain       model.Chain `yaml:"chain"`
	Source      string      `yaml:"source"`
	Destination string      `yaml:"destination"`
}

type BenchmarksConfig struct {
	Chain   model.Chain      `yaml:"chain"`
	Reader  string           `yaml:"reader"`
	Markets []model.Resource `yaml:"markets"`
}

// DefaultTargets parses the built-in targets document.
func DefaultTargets() (*TargetsFile, error) {
	return parseTargets(defaultTargetsYAML, "built-in targets")
}

func loadTargetsFile(path string) (*TargetsFile, error) {
	if path == "" {
		return DefaultTargets()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return parseTargets(raw, path)
}

func parseTargets(raw []byte, source string) (*TargetsFile, error) {
	var file TargetsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	return &file, nil
}

func (c *Config) applyTargets(file *TargetsFile) {
	for _, t := range file.Targets {
		if t.Disabled {
			continue
		}
		if t.Network == "" {
			t.Network = model.NetworkMainnet
		}
		if t.RPCURLEnv != "" {
			t.RPCURL = getEnv(t.RPCURLEnv, t.RPCURL)
		}
		c.Targets = append(c.Targets, t)
	}
	c.Rejections = file.Rejections
	if len(c.Rejections) == 0 {
		c.Rejections = executor.DefaultRejectionRules
	}
	c.Coverage = file.Coverage
	c.TokenSync = file.TokenSync
	c.Benchmarks = file.Benchmarks
}

func (t TargetConfig) validate() error {
	if t.Chain == "" {
		return fmt.Errorf("target chain is required")
	}
	if strings.Contains(string(t.Chain), "-") {
		return fmt.Errorf("target %s: chain label must not contain '-'", t.Chain)
	}
	if t.RPCURL == "" {
		return fmt.Errorf("target %s: rpc url is required (set %s)", t.Chain, t.RPCURLEnv)
	}
	if !common.IsHexAddress(t.Registry) {
		return fmt.Errorf("target %s: invalid registry address %q", t.Chain, t.Registry)
	}
	if len(t.Resources) == 0 {
		return fmt.Errorf("target %s: at least one resource is required", t.Chain)
	}
	seen := make(map[string]bool, len(t.Resources))
	for _, r := range t.Resources {
		if !common.IsHexAddress(r.Address) {
			return fmt.Errorf("target %s: resource %s has invalid address %q", t.Chain, r.Name, r.Address)
		}
		addr := strings.ToLower(r.Address)
		if seen[addr] {
			return fmt.Errorf("target %s: duplicate resource %s", t.Chain, r.Address)
		}
		seen[addr] = true
	}
	return nil
}

// Target returns the enabled target for chain, matched case-insensitively.
func (c *Config) Target(chain string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if strings.EqualFold(string(t.Chain), chain) {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// SelectTargets returns every target when chain is empty, else the one
// named.
func (c *Config) SelectTargets(chain string) ([]TargetConfig, error) {
	if chain == "" {
		return c.Targets, nil
	}
	t, ok := c.Target(chain)
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", chain)
	}
	return []TargetConfig{t}, nil
}
