package dedupe

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/BurntSushi/toml"
)

// ChainConfig is the decoded optional dedupe.toml next to the store. When
// present it defines the complete chain: order follows the file, entries
// with enabled = false are skipped, and a built-in not listed does not run.
type ChainConfig struct {
	Strategies []StrategyConfig `toml:"strategy"`
}

// StrategyConfig is one [[strategy]] entry.
type StrategyConfig struct {
	Name      string   `toml:"name"`
	Enabled   *bool    `toml:"enabled"`
	Threshold *float64 `toml:"threshold"`
}

// LoadChainConfig reads and validates a chain configuration file. A missing
// file returns nil, meaning the built-in chain. Unknown keys, unknown or
// duplicate strategy names, and out-of-range thresholds are startup errors.
func LoadChainConfig(path string) (*ChainConfig, error) {
	var cfg ChainConfig
	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chain config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("chain config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("chain config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *ChainConfig) validate() error {
	if len(c.Strategies) == 0 {
		return errors.New("no strategy entries; remove the file to use the built-in chain")
	}
	seen := make(map[string]bool, len(c.Strategies))
	enabled := 0
	for _, s := range c.Strategies {
		switch s.Name {
		case StrategyExactURL, StrategyContentHash, StrategyTitleSimilarity:
		case "":
			return errors.New("strategy entry without a name")
		default:
			return fmt.Errorf("unknown strategy %q", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("strategy %q listed twice", s.Name)
		}
		seen[s.Name] = true
		if s.Threshold != nil {
			if s.Name != StrategyTitleSimilarity {
				return fmt.Errorf("strategy %q does not take a threshold", s.Name)
			}
			if *s.Threshold <= 0 || *s.Threshold > 1 {
				return fmt.Errorf("threshold %v outside (0, 1]", *s.Threshold)
			}
		}
		if s.Enabled == nil || *s.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("every strategy is disabled")
	}
	return nil
}

// buildChain turns a configuration into the ordered strategy slice. A nil
// configuration yields the built-in chain.
func buildChain(cfg *ChainConfig) []Strategy {
	if cfg == nil {
		return []Strategy{exactURL{}, contentHash{}, titleSimilarity{}}
	}
	chain := make([]Strategy, 0, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		if s.Enabled != nil && !*s.Enabled {
			continue
		}
		switch s.Name {
		case StrategyExactURL:
			chain = append(chain, exactURL{})
		case StrategyContentHash:
			chain = append(chain, contentHash{})
		case StrategyTitleSimilarity:
			chain = append(chain, titleSimilarity{pinned: s.Threshold})
		}
	}
	return chain
}
