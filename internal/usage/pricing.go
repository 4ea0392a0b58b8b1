package usage

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Price is USD per one million tokens.
type Price struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
}

type Pricing struct {
	defaultModel string
	prices       map[string]Price
}

type pricingFile struct {
	DefaultModel string           `yaml:"default_model"`
	Models       map[string]Price `yaml:"models"`
}

const DefaultModel = "default"

var builtinPrices = map[string]Price{
	DefaultModel:                       {Prompt: 0.50, Completion: 1.50},
	"llama3:latest":                    {Prompt: 0, Completion: 0},
	"openai/gpt-4o":                    {Prompt: 2.50, Completion: 10.00},
	"openai/gpt-4o-mini":               {Prompt: 0.15, Completion: 0.60},
	"anthropic/claude-3.5-sonnet":      {Prompt: 3.00, Completion: 15.00},
	"anthropic/claude-3-haiku":         {Prompt: 0.25, Completion: 1.25},
	"meta-llama/llama-3.1-8b-instruct": {Prompt: 0.05, Completion: 0.08},
}

// NewPricing returns the built-in table. defaultModel names the entry unknown models are
// priced at; it must exist in the table.
func NewPricing(defaultModel string) (*Pricing, error) {
	p := &Pricing{prices: make(map[string]Price, len(builtinPrices))}
	for k, v := range builtinPrices {
		p.prices[k] = v
	}
	return p, p.setDefault(defaultModel)
}

// LoadPricing layers the YAML file at path over the built-in table. An empty path yields
// the built-in table only.
func LoadPricing(path, defaultModel string) (*Pricing, error) {
	p, err := NewPricing(DefaultModel)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pricing file: %w", err)
		}
		var f pricingFile
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("parse pricing file: %w", err)
		}
		for model, price := range f.Models {
			if price.Prompt < 0 || price.Completion < 0 {
				return nil, fmt.Errorf("pricing file: negative price for %q", model)
			}
			p.prices[model] = price
		}
		if defaultModel == "" {
			defaultModel = f.DefaultModel
		}
	}
	if err := p.setDefault(defaultModel); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pricing) setDefault(model string) error {
	if model == "" {
		model = DefaultModel
	}
	if _, ok := p.prices[model]; !ok {
		return fmt.Errorf("pricing: default model %q has no price", model)
	}
	p.defaultModel = model
	return nil
}

// PriceFor never fails: unknown models get the default model's price.
func (p *Pricing) PriceFor(model string) Price {
	if pr, ok := p.prices[model]; ok {
		return pr
	}
	return p.prices[p.defaultModel]
}

func (p *Pricing) Cost(model string, promptTokens, completionTokens int) float64 {
	pr := p.PriceFor(model)
	return (float64(promptTokens)*pr.Prompt + float64(completionTokens)*pr.Completion) / 1_000_000
}
