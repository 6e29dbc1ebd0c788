package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// AssetConfig is one tradable cryptocurrency from assets.yaml. Stablecoins
// are priced at 1 without asking the exchange.
type AssetConfig struct {
	Symbol     string `yaml:"symbol"`
	Network    string `yaml:"network"`
	Stablecoin bool   `yaml:"stablecoin"`
}

type assetsFile struct {
	Assets []AssetConfig `yaml:"assets"`
}

// AssetSet is the validated, upper-cased asset list in file order
type AssetSet []AssetConfig

func (s AssetSet) Symbols() []string {
	out := make([]string, len(s))
	for i, a := range s {
		out[i] = a.Symbol
	}
	return out
}

func (s AssetSet) Stablecoins() []string {
	var out []string
	for _, a := range s {
		if a.Stablecoin {
			out = append(out, a.Symbol)
		}
	}
	return out
}

func resolvePath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return filepath.Join(wd, name), nil
}

// LoadAssetConfig reads and validates an asset file
func LoadAssetConfig(name string) (AssetSet, error) {
	path, err := resolvePath(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", name, err)
	}

	var parsed assetsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", name, err)
	}
	if len(parsed.Assets) == 0 {
		return nil, fmt.Errorf("%s lists no assets", name)
	}

	seen := make(map[string]bool, len(parsed.Assets))
	for i := range parsed.Assets {
		asset := &parsed.Assets[i]
		asset.Symbol = strings.ToUpper(strings.TrimSpace(asset.Symbol))
		switch {
		case asset.Symbol == "":
			return nil, fmt.Errorf("asset at index %d missing symbol", i)
		case seen[asset.Symbol]:
			return nil, fmt.Errorf("asset %s listed twice", asset.Symbol)
		}
		seen[asset.Symbol] = true
	}

	return AssetSet(parsed.Assets), nil
}

// LoadAssetSymbols returns the upper-cased symbols in file order
func LoadAssetSymbols(name string) ([]string, error) {
	assets, err := LoadAssetConfig(name)
	if err != nil {
		return nil, err
	}
	return assets.Symbols(), nil
}
