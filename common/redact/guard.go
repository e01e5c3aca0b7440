package redact

import (
	"github.com/airlock-project/airlock/common/fault"
)

// PromptGuard is the inbound variant of the filter: it blocks user-supplied
// prompts that carry infrastructure secrets so the agent can never receive
// and later leak them. Only the critical tier applies and entropy detection
// is off, keeping ordinary prose safe from false positives.
type PromptGuard struct {
	filter *Filter
}

func NewPromptGuard() *PromptGuard {
	return &PromptGuard{filter: NewInfraFilter()}
}

// Check returns a policy fault naming the pattern class when the text
// carries an infrastructure secret; the secret itself is never echoed.
func (g *PromptGuard) Check(text string) error {
	matches := g.filter.Scan(text)
	if len(matches) == 0 {
		return nil
	}
	return fault.New(fault.InfraSecretDetected, "input contains a %s pattern", matches[0].PatternID)
}
