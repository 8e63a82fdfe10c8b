// Package catalog loads the externalized symbol data: seed instruments, the
// static exception table, per-category rules and the default guess rules.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"quoterelay/internal/domain"
)

type SeedGroup struct {
	Category domain.Category `yaml:"category"`
	Names    []string        `yaml:"names"`
}

type Catalog struct {
	// Labels maps display/legacy category labels onto canonical categories.
	Labels map[string]domain.Category `yaml:"labels"`

	Seeds      []SeedGroup                             `yaml:"seeds"`
	Exceptions map[string]string                       `yaml:"exceptions"`
	Categories map[domain.Category]domain.CategoryRule `yaml:"categories"`
	Guess      domain.GuessRules                       `yaml:"guess"`
}

// Load reads and normalizes a catalog file.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c.normalize()
	return &c, nil
}

func (c *Catalog) normalize() {
	labels := make(map[string]domain.Category, len(c.Labels))
	for k, v := range c.Labels {
		labels[labelKey(k)] = domain.ParseCategory(string(v))
	}
	c.Labels = labels

	ex := make(map[string]string, len(c.Exceptions))
	for k, v := range c.Exceptions {
		ex[domain.NormalizeName(k)] = strings.ToUpper(strings.TrimSpace(v))
	}
	c.Exceptions = ex

	cats := make(map[domain.Category]domain.CategoryRule, len(c.Categories))
	for k, v := range c.Categories {
		v.Namespace = strings.ToUpper(strings.TrimSpace(v.Namespace))
		v.QuoteSuffix = strings.ToUpper(strings.TrimSpace(v.QuoteSuffix))
		cats[domain.ParseCategory(string(k))] = v
	}
	c.Categories = cats

	for i := range c.Seeds {
		c.Seeds[i].Category = c.Category(string(c.Seeds[i].Category))
	}
}

func labelKey(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Category resolves a user supplied label (canonical or legacy) to a category.
func (c *Catalog) Category(label string) domain.Category {
	if cat, ok := c.Labels[labelKey(label)]; ok {
		return cat
	}
	return domain.ParseCategory(label)
}

// SeedInstruments flattens the seed groups, first occurrence of a name wins.
func (c *Catalog) SeedInstruments() []domain.Instrument {
	var out []domain.Instrument
	seen := map[string]struct{}{}
	for _, g := range c.Seeds {
		for _, n := range g.Names {
			name := domain.NormalizeName(n)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, domain.Instrument{Name: name, Category: g.Category})
		}
	}
	return out
}

// ExceptionTable returns a copy of the name -> ticker exceptions.
func (c *Catalog) ExceptionTable() map[string]string {
	out := make(map[string]string, len(c.Exceptions))
	for k, v := range c.Exceptions {
		out[k] = v
	}
	return out
}

// Rules returns a copy of the category rules.
func (c *Catalog) Rules() map[domain.Category]domain.CategoryRule {
	out := make(map[domain.Category]domain.CategoryRule, len(c.Categories))
	for k, v := range c.Categories {
		out[k] = v
	}
	return out
}
