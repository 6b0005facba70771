package catalogs

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed countries.yaml
var defaultCountriesYAML []byte

// Catalog is the static reference data every new game starts from.
type Catalog struct {
	Countries []CountryDef `yaml:"countries"`

	ByName map[string]CountryDef `yaml:"-"`
	Digest string                `yaml:"-"`
}

type CountryDef struct {
	Name        string      `yaml:"name"`
	DisplayName string      `yaml:"display_name"`
	GDP         float64     `yaml:"gdp"`
	Population  float64     `yaml:"population"`
	Stability   float64     `yaml:"stability"`
	Government  string      `yaml:"government"`
	Leader      string      `yaml:"leader"`
	Color       string      `yaml:"color"`
	Military    MilitaryDef `yaml:"military"`
	Territories []string    `yaml:"territories"`
}

type MilitaryDef struct {
	Strength       float64 `yaml:"strength"`
	NuclearCapable bool    `yaml:"nuclear_capable"`
	DefenseBudget  float64 `yaml:"defense_budget"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCountriesYAML)
	if err != nil {
		panic(fmt.Sprintf("catalogs: built-in countries.yaml: %v", err))
	}
	return c
}

// Load reads a catalog file. An empty path selects the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if len(c.Countries) == 0 {
		return nil, fmt.Errorf("no countries")
	}
	c.ByName = make(map[string]CountryDef, len(c.Countries))
	territories := map[string]string{}
	for _, d := range c.Countries {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("country with empty name")
		}
		if _, dup := c.ByName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate country %q", d.Name)
		}
		if d.GDP < 0 || d.Population < 0 {
			return nil, fmt.Errorf("%s: gdp/population must be >= 0", d.Name)
		}
		if d.Stability < 0 || d.Stability > 100 {
			return nil, fmt.Errorf("%s: stability out of range", d.Name)
		}
		if len(d.Territories) == 0 {
			return nil, fmt.Errorf("%s: no territories", d.Name)
		}
		for _, t := range d.Territories {
			if owner, ok := territories[t]; ok {
				return nil, fmt.Errorf("territory %q claimed by %s and %s", t, owner, d.Name)
			}
			territories[t] = d.Name
		}
		c.ByName[d.Name] = d
	}
	sum := sha256.Sum256(raw)
	c.Digest = hex.EncodeToString(sum[:])
	return &c, nil
}

// Names returns the country names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.ByName))
	for n := range c.ByName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.ByName[name]
	return ok
}
