package redact

import "regexp"

// Severity classifies a match. Critical patterns always block the output;
// high patterns are always redacted and block only when the caller's policy
// says so.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
)

// Pattern is one compiled secret shape. IDs are wire-visible: they appear in
// redaction placeholders and policy errors, never next to the matched value.
type Pattern struct {
	ID       string
	Severity Severity
	re       *regexp.Regexp
}

// corePatterns is the full detection table. Order matters: vendor-specific
// prefixes come before broader families so the narrow ID wins its span.
var corePatterns = []Pattern{
	// Critical tier. Non-removable: matching any of these blocks the output
	// regardless of caller policy.
	{
		ID:       "telegram_bot_token",
		Severity: SeverityCritical,
		re:       regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}`),
	},
	{
		ID:       "anthropic_api_key",
		Severity: SeverityCritical,
		re:       regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{16,}`),
	},
	{
		ID:       "openai_api_key",
		Severity: SeverityCritical,
		re:       regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9]{20,}\b`),
	},
	{
		ID:       "private_key_pem",
		Severity: SeverityCritical,
		re:       regexp.MustCompile(`-----BEGIN (?:(?:RSA|EC|OPENSSH|DSA|PGP) )?PRIVATE KEY(?: BLOCK)?-----`),
	},
	{
		ID:       "totp_seed",
		Severity: SeverityCritical,
		re:       regexp.MustCompile(`\b[A-Z2-7]{32,}\b`),
	},

	// High tier.
	{
		ID:       "aws_access_key_id",
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`),
	},
	{
		ID:       "aws_secret_access_key",
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)\baws[a-z_ -]{0,20}(?:secret|key)[a-z_ ]{0,12}[=:]\s*["']?[A-Za-z0-9/+=]{40}\b`),
	},
	{
		ID:       "google_api_key",
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}`),
	},
	{
		ID:       "github_token",
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
	},
	{
		ID:       "slack_token",
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`),
	},
	{
		ID:       "stripe_key",
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`\b[sr]k_live_[A-Za-z0-9]{24,}\b`),
	},
	{
		ID:       "jwt_token",
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`),
	},
	{
		ID:       "db_connection_string",
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^\s:@/]+:[^\s@]+@\S+`),
	},
	{
		ID:       "generic_credential",
		Severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api[_-]?key|key|credential)\b["']?\s*[=:]\s*["']?\S{8,}`),
	},
}

// criticalPatterns returns only the non-removable tier, used by the inbound
// prompt guard.
func criticalPatterns() []Pattern {
	out := make([]Pattern, 0, len(corePatterns))
	for _, p := range corePatterns {
		if p.Severity == SeverityCritical {
			out = append(out, p)
		}
	}
	return out
}
