package rpc

import (
	"regexp"
	"strings"

	"github.com/airlock-project/airlock/common/fault"
)

// htmlTagRe matches anything shaped like a markup tag. Memory content is
// plain text; a tag in it is either smuggled markup or an injection vehicle,
// so the whole class is refused rather than sanitized.
var htmlTagRe = regexp.MustCompile(`<\s*/?\s*[a-zA-Z!][^>]*>`)

// rolePrefixRe catches transcripts that open with a chat-role label, a
// common way to make stored text read as instructions later.
var rolePrefixRe = regexp.MustCompile(`(?im)^\s*(system|assistant|user)\s*:`)

// handlebarsRe catches template placeholders that would expand when the
// content is interpolated into a prompt.
var handlebarsRe = regexp.MustCompile(`\{\{.*\}\}`)

// injectionPhrases are literal markers; matching is case-insensitive.
var injectionPhrases = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard previous instructions",
	"<script",
	"javascript:",
}

// checkInjection refuses content carrying known prompt-injection phrasings.
// The text itself is never echoed back; only the class of the finding is.
func checkInjection(content string) error {
	lower := strings.ToLower(content)
	for _, phrase := range injectionPhrases {
		if strings.Contains(lower, phrase) {
			return fault.New(fault.ForbiddenPattern, "content contains a forbidden phrase")
		}
	}
	if rolePrefixRe.MatchString(content) {
		return fault.New(fault.ForbiddenPattern, "content may not open with a chat role prefix")
	}
	if handlebarsRe.MatchString(content) {
		return fault.New(fault.ForbiddenPattern, "content may not contain template placeholders")
	}
	return nil
}
