package detect

import (
	"regexp"
	"strings"

	"agenttrail/pkg/models"
)

// piiPattern pairs one sensitive-material regex with its finding kind.
type piiPattern struct {
	kind     string
	severity models.Severity
	re       *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{"email", models.SeverityMedium,
		regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{"phone", models.SeverityMedium,
		regexp.MustCompile(`\+?\d{1,3}[\s.-]?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
	{"ssn", models.SeverityCritical,
		regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit_card", models.SeverityCritical,
		regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)},
	{"aws_access_key", models.SeverityCritical,
		regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"github_token", models.SeverityCritical,
		regexp.MustCompile(`gh[pours]_[A-Za-z0-9]{36}`)},
	{"slack_token", models.SeverityHigh,
		regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`)},
	{"private_key", models.SeverityCritical,
		regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`)},
	{"bearer_token", models.SeverityHigh,
		regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_.-]{20,}`)},
	{"basic_auth_url", models.SeverityHigh,
		regexp.MustCompile(`https?://[^/\s:]+:[^@\s]+@`)},
	{"credential_assignment", models.SeverityHigh,
		regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|access[_-]?token|auth[_-]?token|password|passwd)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`)},
}

// scanPII reports every sensitive span in the text. Offsets are byte
// positions so callers can redact without rescanning; the Masked field
// is the only piece of the match that leaves this function.
func scanPII(text string) []models.PIISpan {
	var spans []models.PIISpan
	for _, p := range piiPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, models.PIISpan{
				Kind:     p.kind,
				Severity: p.severity,
				Start:    loc[0],
				End:      loc[1],
				Masked:   maskValue(text[loc[0]:loc[1]]),
			})
		}
	}
	return spans
}

// maskValue keeps a short prefix of the match and stars the rest, so
// logs and reports can show what leaked without leaking it again.
func maskValue(v string) string {
	v = strings.TrimSpace(v)
	runes := []rune(v)
	keep := 2
	if len(runes) <= keep {
		return strings.Repeat("*", len(runes))
	}
	starred := len(runes) - keep
	if starred > 8 {
		starred = 8
	}
	return string(runes[:keep]) + strings.Repeat("*", starred)
}
