package pipeline

import "agenttrail/pkg/models"

// AlertWriter delivers risk-breach alerts.
type AlertWriter interface {
	WriteAlerts(alerts []*models.RiskAlert) error
	Close() error
}
