package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/marketforge/candlevault/internal/models"
)

// BootstrapSymbol is one entry of the optional symbols bootstrap file.
type BootstrapSymbol struct {
	Symbol     string   `yaml:"symbol"`
	AssetClass string   `yaml:"asset_class"`
	Timeframes []string `yaml:"timeframes"`
}

type symbolsFile struct {
	Symbols []BootstrapSymbol `yaml:"symbols"`
}

// LoadSymbolsFile parses a YAML bootstrap file into registry entries.
// Unknown asset classes or timeframes fail the load so a typo cannot
// silently shrink the universe.
func LoadSymbolsFile(path string) ([]models.Symbol, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbols file: %w", err)
	}

	var f symbolsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse symbols file: %w", err)
	}

	out := make([]models.Symbol, 0, len(f.Symbols))
	for i, entry := range f.Symbols {
		if entry.Symbol == "" {
			return nil, fmt.Errorf("symbols[%d]: symbol is required", i)
		}
		ac := models.AssetClass(entry.AssetClass)
		if !ac.Valid() {
			return nil, fmt.Errorf("symbols[%d] %s: unknown asset_class %q", i, entry.Symbol, entry.AssetClass)
		}
		tfs := make([]models.Timeframe, 0, len(entry.Timeframes))
		for _, s := range entry.Timeframes {
			tf, err := models.ParseTimeframe(s)
			if err != nil {
				return nil, fmt.Errorf("symbols[%d] %s: %w", i, entry.Symbol, err)
			}
			tfs = append(tfs, tf)
		}
		if len(tfs) == 0 {
			tfs = []models.Timeframe{models.TF1d}
		}
		out = append(out, models.Symbol{
			Symbol:     entry.Symbol,
			AssetClass: ac,
			Active:     true,
			Timeframes: tfs,
		})
	}
	return out, nil
}
