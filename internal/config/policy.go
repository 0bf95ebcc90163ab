package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds the empirically tuned knobs that operators adjust without
// redeploying: OCR language order and thresholds, and the hosting allowlist.
type Policy struct {
	OCR struct {
		Languages       []string `yaml:"languages"`
		SureThreshold   *float64 `yaml:"sure_threshold"`
		UnsureThreshold *float64 `yaml:"unsure_threshold"`
		LocalBestWindow *int     `yaml:"local_best_window"`
	} `yaml:"ocr"`
	HostingProviders []string `yaml:"hosting_providers"`
	InteractionLimit *int     `yaml:"interaction_limit"`
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	return &p, nil
}

// ApplyPolicy overrides config values that the policy sets.
func (c *Config) ApplyPolicy(p *Policy) {
	if p == nil {
		return
	}
	if len(p.OCR.Languages) > 0 {
		c.OCR.Languages = append([]string(nil), p.OCR.Languages...)
	}
	if p.OCR.SureThreshold != nil {
		c.OCR.SureThreshold = *p.OCR.SureThreshold
	}
	if p.OCR.UnsureThreshold != nil {
		c.OCR.UnsureThreshold = *p.OCR.UnsureThreshold
	}
	if p.OCR.LocalBestWindow != nil {
		c.OCR.LocalBestWindow = *p.OCR.LocalBestWindow
	}
	if len(p.HostingProviders) > 0 {
		c.Brand.HostingProviders = append([]string(nil), p.HostingProviders...)
	}
	if p.InteractionLimit != nil {
		c.Pipeline.InteractionLimit = *p.InteractionLimit
	}
}
