package detect

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"agenttrail/pkg/models"
)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles     int
	Loaded         int
	SkippedComplex int
	SkippedSource  int
	SkippedInvalid int
}

type compiledSigmaRule struct {
	eval  *sigmaevaluator.RuleEvaluator
	label models.Anomaly
}

// SigmaEngine evaluates Sigma rules against flattened action events.
// Rules written for other telemetry sources, or using features the
// single-event evaluator cannot honor, are skipped at load time.
type SigmaEngine struct {
	rules []compiledSigmaRule
}

// NewSigmaEngine loads Sigma rules from a file or directory and
// compiles evaluators. Skips are counted, never fatal.
func NewSigmaEngine(path string) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve sigma rule path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat sigma rule path: %w", err)
	}

	files := make([]string, 0, 64)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk sigma rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("sigma rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		raw, err := os.ReadFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !isAgentRule(rule) {
			stats.SkippedSource++
			continue
		}
		if !isSimpleSingleEventRule(rule) {
			stats.SkippedComplex++
			continue
		}
		compiled = append(compiled, compiledSigmaRule{
			eval:  sigmaevaluator.ForRule(rule),
			label: anomalyFromRule(rule),
		})
		stats.Loaded++
	}

	return &SigmaEngine{rules: compiled}, stats, nil
}

// Apply evaluates all loaded rules against one flattened action event.
func (e *SigmaEngine) Apply(ctx context.Context, event map[string]interface{}) []models.Anomaly {
	if e == nil || len(e.rules) == 0 || len(event) == 0 {
		return nil
	}

	out := make([]models.Anomaly, 0, 2)
	for _, rule := range e.rules {
		res, err := rule.eval.Matches(ctx, event)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, rule.label)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// actionEvent flattens an action request into the field map sigma
// evaluators match against. Params surface both bare and prefixed so
// rules can disambiguate colliding names.
func actionEvent(req models.ActionRequest) map[string]interface{} {
	buf := make(map[string]interface{}, len(req.Params)+4)
	for k, v := range req.Params {
		buf[k] = v
		buf["param."+k] = v
	}
	buf["action"] = req.Name
	if req.Target != "" {
		buf["target"] = req.Target
	}
	if req.Command != "" {
		buf["command"] = req.Command
	}
	return buf
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

// isAgentRule keeps rules targeting agent telemetry. Rules pinned to
// another product are authored for a different event stream.
func isAgentRule(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	return product == "" || product == "agent"
}

func isSimpleSingleEventRule(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false
		}
		if len(search.EventMatchers) == 0 {
			return false
		}
	}
	return true
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

func anomalyFromRule(rule sigma.Rule) models.Anomaly {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}
	name := strings.TrimSpace(rule.Title)
	if name == "" {
		name = id
	}
	return models.Anomaly{
		Name:     name,
		Severity: severityFromLevel(rule.Level),
		Reason:   strings.TrimSpace(rule.Description),
		RuleID:   id,
	}
}

func severityFromLevel(level string) models.Severity {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical":
		return models.SeverityCritical
	case "high":
		return models.SeverityHigh
	case "low", "informational":
		return models.SeverityLow
	default:
		return models.SeverityMedium
	}
}
