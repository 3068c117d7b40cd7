package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"bars/internal/model"
	"bars/internal/router"

	"gopkg.in/yaml.v3"
)

//go:embed default_bars.yaml
var defaultBarSizes []byte

// BarSizes lists the bar streams built per instrument. Time sizes are strings
// such as "10s", "1m", "4H"; threshold sizes are keyed by base currency.
type BarSizes struct {
	Time   []string             `yaml:"time" validate:"dive,required"`
	Tick   map[string][]float64 `yaml:"tick" validate:"dive,dive,gt=0"`
	Volume map[string][]float64 `yaml:"volume" validate:"dive,dive,gt=0"`
	Dollar map[string][]float64 `yaml:"dollar" validate:"dive,dive,gt=0"`
}

// DefaultBarSizes returns the embedded bar sizes.
func DefaultBarSizes() (BarSizes, error) {
	return parseBarSizes(defaultBarSizes)
}

// LoadBarSizes reads bar sizes from a YAML file.
func LoadBarSizes(path string) (BarSizes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BarSizes{}, fmt.Errorf("read bar sizes: %w", err)
	}
	return parseBarSizes(data)
}

func parseBarSizes(data []byte) (BarSizes, error) {
	var sizes BarSizes
	if err := yaml.Unmarshal(data, &sizes); err != nil {
		return BarSizes{}, fmt.Errorf("%w: decode bar sizes: %v", ErrInvalidConfig, err)
	}
	if err := validate.Struct(sizes); err != nil {
		return BarSizes{}, fmt.Errorf("%w: bar sizes: %v", ErrInvalidConfig, err)
	}
	return sizes, nil
}

// Catalog compiles the sizes into bar definitions. Time bars are global, the
// threshold bars of a base follow in tick, volume, dollar order.
func (b BarSizes) Catalog() (router.Catalog, error) {
	catalog := router.Catalog{PerBase: make(map[string][]model.BarDefinition)}
	for _, s := range b.Time {
		seconds, err := ParseTimeSize(s)
		if err != nil {
			return router.Catalog{}, err
		}
		catalog.Global = append(catalog.Global, model.BarDefinition{Type: model.TimeBar, Size: seconds})
	}

	for _, group := range []struct {
		barType model.BarType
		sizes   map[string][]float64
	}{
		{model.TickBar, b.Tick},
		{model.VolumeBar, b.Volume},
		{model.DollarBar, b.Dollar},
	} {
		bases := make([]string, 0, len(group.sizes))
		for base := range group.sizes {
			bases = append(bases, base)
		}
		sort.Strings(bases)
		for _, base := range bases {
			for _, size := range group.sizes[base] {
				catalog.PerBase[base] = append(catalog.PerBase[base], model.BarDefinition{Type: group.barType, Size: size})
			}
		}
	}
	return catalog, nil
}

var timeUnits = map[byte]float64{
	's': 1,
	'm': 60,
	'H': 3600,
	'h': 3600,
	'D': 86400,
	'd': 86400,
}

// ParseTimeSize converts a time bar size like "10s", "3m", "4H" or "1D" to seconds.
// A bare number is taken as seconds.
func ParseTimeSize(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty time bar size", ErrInvalidConfig)
	}
	num, mult := s, 1.0
	if unit, ok := timeUnits[s[len(s)-1]]; ok {
		num, mult = s[:len(s)-1], unit
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid time bar size %q", ErrInvalidConfig, s)
	}
	if seconds := n * mult; seconds >= 1 {
		return seconds, nil
	}
	return 0, fmt.Errorf("%w: time bar size %q is below one second", ErrInvalidConfig, s)
}
