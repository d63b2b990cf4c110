package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crozzbite/phylactery/pkg/dlp"
	"github.com/crozzbite/phylactery/pkg/risk"
	"github.com/crozzbite/phylactery/pkg/tooling"
)

// Policy is the operator-authored YAML policy file: the risk policy, extra
// secret patterns, and the tool catalog in one document.
type Policy struct {
	Risk           risk.Policy          `yaml:"risk"`
	SecretPatterns []dlp.SecretPattern  `yaml:"secret_patterns"`
	Tools          []tooling.Descriptor `yaml:"tools"`
}

// LoadPolicy reads and validates the policy file. The tool catalog is
// projected into the risk policy's tier map and write-tool set, so the two
// never drift apart; explicit risk-section entries win on conflict.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy %s: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse policy %s: %w", path, err)
	}

	if p.Risk.WorkspaceRoot == "" {
		return nil, fmt.Errorf("config: policy %s: risk.workspace_root is required", path)
	}

	if p.Risk.ToolTiers == nil {
		p.Risk.ToolTiers = make(map[string]risk.Level, len(p.Tools))
	}
	writeTools := make(map[string]bool, len(p.Risk.WriteTools))
	for _, name := range p.Risk.WriteTools {
		writeTools[name] = true
	}
	for _, d := range p.Tools {
		if _, ok := p.Risk.ToolTiers[d.Name]; !ok && d.Tier != "" {
			p.Risk.ToolTiers[d.Name] = risk.Level(d.Tier)
		}
		if d.WriteCapable && !writeTools[d.Name] {
			p.Risk.WriteTools = append(p.Risk.WriteTools, d.Name)
			writeTools[d.Name] = true
		}
	}
	return &p, nil
}
