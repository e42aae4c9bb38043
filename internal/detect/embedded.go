package detect

import (
	"context"
	"sort"

	"agenttrail/pkg/models"
)

// contributionBySeverity is the advisory weight the embedded gateway
// attaches to scan findings. It is recorded with the event for later
// triage; the risk policy scores findings with its own table.
var contributionBySeverity = map[models.Severity]int{
	models.SeverityLow:      5,
	models.SeverityMedium:   10,
	models.SeverityHigh:     20,
	models.SeverityCritical: 40,
}

// EmbeddedConfig configures the in-process gateway.
type EmbeddedConfig struct {
	// ExtraRulesPath optionally points at a YAML file of operator
	// threat rules appended to the builtin table.
	ExtraRulesPath string

	// Sigma optionally adds rule-based action matching on top of the
	// structural checks.
	Sigma *SigmaEngine

	// MaxParseDepth bounds how deep inline shell code is re-parsed.
	MaxParseDepth int
}

// EmbeddedGateway runs all detection in process: threat rules and PII
// patterns for text scans, structural shell analysis and optional
// Sigma rules for action checks. It never returns ErrUnavailable,
// which makes it the fallback when no remote detector is deployed.
type EmbeddedGateway struct {
	threats    []ThreatRule
	structural *structuralChecker
	sigma      *SigmaEngine
}

// NewEmbedded builds the gateway and compiles every rule up front so a
// bad pattern fails at startup, not mid-session.
func NewEmbedded(cfg EmbeddedConfig) (*EmbeddedGateway, error) {
	threats := make([]ThreatRule, len(builtinThreatRules))
	copy(threats, builtinThreatRules)
	for i := range threats {
		if err := threats[i].compile(); err != nil {
			return nil, err
		}
	}

	if cfg.ExtraRulesPath != "" {
		extra, err := LoadThreatRules(cfg.ExtraRulesPath)
		if err != nil {
			return nil, err
		}
		threats = append(threats, extra...)
	}

	return &EmbeddedGateway{
		threats:    threats,
		structural: newStructuralChecker(cfg.MaxParseDepth),
		sigma:      cfg.Sigma,
	}, nil
}

// Scan runs every threat rule and PII pattern over the text.
func (g *EmbeddedGateway) Scan(ctx context.Context, text, direction string) (*models.ScanFindings, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}

	findings := &models.ScanFindings{}
	for i := range g.threats {
		if g.threats[i].Matches(text) {
			findings.Threats = append(findings.Threats, g.threats[i].Threat())
		}
	}
	findings.PII = scanPII(text)

	for _, threat := range findings.Threats {
		findings.RiskContribution += contributionBySeverity[threat.Severity]
	}
	for _, span := range findings.PII {
		findings.RiskContribution += contributionBySeverity[span.Severity]
	}
	return findings, nil
}

// CheckAction structurally analyzes the action's command, sniffs its
// parameters for credentials, and applies Sigma rules if loaded.
func (g *EmbeddedGateway) CheckAction(ctx context.Context, req models.ActionRequest) (*models.ActionFindings, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}

	var anomalies []models.Anomaly
	anomalies = append(anomalies, g.structural.Check(req.Command)...)

	keys := make([]string, 0, len(req.Params))
	for key := range req.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if len(scanPII(req.Params[key])) == 0 {
			continue
		}
		anomalies = append(anomalies, models.Anomaly{
			Name:     "credential_in_params",
			Severity: models.SeverityHigh,
			Reason:   "parameter " + key + " carries credential material",
			RuleID:   "st-credential-param",
		})
	}

	anomalies = append(anomalies, g.sigma.Apply(ctx, actionEvent(req))...)

	return &models.ActionFindings{
		IsAnomalous: len(anomalies) > 0,
		Anomalies:   anomalies,
	}, nil
}

// NoopGateway reports every scan clean and every action normal.
type NoopGateway struct{}

// Scan returns empty findings.
func (NoopGateway) Scan(ctx context.Context, text, direction string) (*models.ScanFindings, error) {
	return &models.ScanFindings{}, nil
}

// CheckAction returns a non-anomalous result.
func (NoopGateway) CheckAction(ctx context.Context, req models.ActionRequest) (*models.ActionFindings, error) {
	return &models.ActionFindings{}, nil
}
