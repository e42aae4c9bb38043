package risk

import "agenttrail/pkg/models"

// Policy is the configurable scoring table: one weight per finding
// kind and severity, plus the score at which a session is forcibly
// terminated. Weights are points added to the 0-100 session score.
type Policy struct {
	ThreatWeights      map[models.Severity]int
	PIIWeights         map[models.Severity]int
	AnomalyWeights     map[models.Severity]int
	TerminateThreshold int
}

// DefaultPolicy returns the stock weight table. A critical threat adds
// 40 points and a medium PII finding 10, so one critical injection plus
// two medium exposures lands a session at 60 (high).
func DefaultPolicy() Policy {
	return Policy{
		ThreatWeights: map[models.Severity]int{
			models.SeverityLow:      5,
			models.SeverityMedium:   15,
			models.SeverityHigh:     25,
			models.SeverityCritical: 40,
		},
		PIIWeights: map[models.Severity]int{
			models.SeverityLow:      5,
			models.SeverityMedium:   10,
			models.SeverityHigh:     15,
			models.SeverityCritical: 25,
		},
		AnomalyWeights: map[models.Severity]int{
			models.SeverityLow:      5,
			models.SeverityMedium:   10,
			models.SeverityHigh:     20,
			models.SeverityCritical: 30,
		},
		TerminateThreshold: 90,
	}
}

// withDefaults fills any hole in p from the stock table so a partial
// config override never zeroes a severity.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	p.ThreatWeights = mergeWeights(p.ThreatWeights, def.ThreatWeights)
	p.PIIWeights = mergeWeights(p.PIIWeights, def.PIIWeights)
	p.AnomalyWeights = mergeWeights(p.AnomalyWeights, def.AnomalyWeights)
	if p.TerminateThreshold <= 0 {
		p.TerminateThreshold = def.TerminateThreshold
	}
	return p
}

func mergeWeights(override, def map[models.Severity]int) map[models.Severity]int {
	merged := make(map[models.Severity]int, len(def))
	for sev, w := range def {
		merged[sev] = w
	}
	for sev, w := range override {
		merged[sev] = w
	}
	return merged
}

// Band maps a clamped score onto its discrete risk level. Lower bounds
// are inclusive: 25 is medium, 50 is high, 75 is critical.
func Band(score int) models.RiskLevel {
	switch {
	case score >= 75:
		return models.RiskCritical
	case score >= 50:
		return models.RiskHigh
	case score >= 25:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}
