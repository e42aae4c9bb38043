package detect

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"agenttrail/pkg/models"
)

// ThreatRule matches scanned text by exact string, prefix, or regex.
// A rule fires at most one Threat per scan regardless of how many
// times its pattern occurs.
type ThreatRule struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Category string          `yaml:"category"`
	Severity models.Severity `yaml:"severity"`
	Exact    string          `yaml:"exact"`
	Prefixes []string        `yaml:"prefixes"`
	Regex    string          `yaml:"regex"`

	compiled *regexp.Regexp
}

// ThreatRuleSet is the YAML layout for operator supplied rules.
type ThreatRuleSet struct {
	Version int          `yaml:"version"`
	Rules   []ThreatRule `yaml:"rules"`
}

// builtinThreatRules cover the injection and exfiltration shapes seen
// in agent traffic. Operator rules loaded from YAML are appended, they
// never replace these.
var builtinThreatRules = []ThreatRule{
	{
		ID:       "ti-ignore-instructions",
		Name:     "instruction_override",
		Category: "injection",
		Severity: models.SeverityCritical,
		Regex:    `(?i)(ignore|disregard|forget)\s+(all\s+)?(your\s+|the\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|directives)`,
	},
	{
		ID:       "ti-new-persona",
		Name:     "persona_hijack",
		Category: "injection",
		Severity: models.SeverityHigh,
		Regex:    `(?i)(you\s+are\s+now\s+(a|an)\s+unrestricted|\bDAN\s+mode\b|pretend\s+(that\s+)?you\s+have\s+no\s+(restrictions|rules|guidelines))`,
	},
	{
		ID:       "ti-system-prompt-probe",
		Name:     "system_prompt_probe",
		Category: "probing",
		Severity: models.SeverityMedium,
		Regex:    `(?i)(print|reveal|show|repeat|output)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+instructions|hidden\s+instructions)`,
	},
	{
		ID:       "ti-markdown-exfil",
		Name:     "markdown_image_exfiltration",
		Category: "exfiltration",
		Severity: models.SeverityCritical,
		Regex:    `!\[[^\]]*\]\(https?://[^)]*[?&][^)]*=`,
	},
	{
		ID:       "ti-data-url-exfil",
		Name:     "url_data_exfiltration",
		Category: "exfiltration",
		Severity: models.SeverityHigh,
		Regex:    `(?i)https?://[^\s]{1,128}[?&](data|payload|secret|token|content)=`,
	},
	{
		ID:       "ti-encoded-blob",
		Name:     "encoded_payload",
		Category: "obfuscation",
		Severity: models.SeverityMedium,
		Regex:    `[A-Za-z0-9+/]{120,}={0,2}`,
	},
	{
		ID:       "ti-tool-redefinition",
		Name:     "tool_redefinition",
		Category: "injection",
		Severity: models.SeverityHigh,
		Regex:    `(?i)(from\s+now\s+on|instead),?\s+(call|use|invoke)\s+(the\s+)?tool`,
	},
	{
		ID:       "ti-credential-request",
		Name:     "credential_solicitation",
		Category: "probing",
		Severity: models.SeverityHigh,
		Regex:    `(?i)(send|paste|share|give)\s+(me\s+)?(your|the)\s+(password|api[\s_-]?key|secret|token|credentials)`,
	},
	{
		ID:       "ti-invisible-text",
		Name:     "invisible_instruction",
		Category: "obfuscation",
		Severity: models.SeverityHigh,
		Regex:    "[\u200B\u200C\u200D\u2060\uFEFF]{3,}",
	},
}

// LoadThreatRules reads operator rules from a YAML file and compiles
// their patterns. Rules missing an id get a positional one; rules with
// no matcher at all are rejected.
func LoadThreatRules(path string) ([]ThreatRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read threat rule file: %w", err)
	}
	var rs ThreatRuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse threat rule file: %w", err)
	}

	rules := make([]ThreatRule, 0, len(rs.Rules))
	for i := range rs.Rules {
		r := rs.Rules[i]
		if r.ID == "" {
			r.ID = fmt.Sprintf("threat-rule-%d", i+1)
		}
		if r.Name == "" {
			r.Name = r.ID
		}
		if r.Category == "" {
			r.Category = "custom"
		}
		if r.Severity == "" {
			r.Severity = models.SeverityMedium
		}
		if r.Exact == "" && len(r.Prefixes) == 0 && r.Regex == "" {
			return nil, fmt.Errorf("threat rule %s has no exact, prefix, or regex matcher", r.ID)
		}
		if err := r.compile(); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (r *ThreatRule) compile() error {
	if r.Regex == "" {
		return nil
	}
	re, err := regexp.Compile(r.Regex)
	if err != nil {
		return fmt.Errorf("threat rule %s: compile regex: %w", r.ID, err)
	}
	r.compiled = re
	return nil
}

// Matches checks the rule against one body of text. Exact and prefix
// matching is case insensitive, regex rules carry their own flags.
func (r *ThreatRule) Matches(text string) bool {
	if r.Exact != "" && strings.EqualFold(text, r.Exact) {
		return true
	}
	lower := strings.ToLower(text)
	for _, prefix := range r.Prefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	if r.compiled != nil {
		return r.compiled.MatchString(text)
	}
	return false
}

// Threat converts a fired rule into its ledger finding.
func (r *ThreatRule) Threat() models.Threat {
	return models.Threat{
		Name:     r.Name,
		Category: r.Category,
		Severity: r.Severity,
		RuleID:   r.ID,
	}
}
