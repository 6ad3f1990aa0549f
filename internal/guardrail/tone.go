// Package guardrail holds the checks every piece of generated content passes
// before it is stored: consent, tone, eligibility and the disclosure.
package guardrail

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
)

// Warning categories.
const (
	CategoryForbiddenPhrase = "forbidden_phrase"
	CategoryLacksEmpowering = "lacks_empowering_language"
)

// forbiddenPhrases shame the reader. Each one found is a critical warning.
var forbiddenPhrases = []string{
	"you're overspending",
	"bad habit",
	"poor financial decision",
	"irresponsible",
	"wasteful spending",
	"you should stop",
	"you need to",
}

// empoweringKeywords: content should contain at least one.
var empoweringKeywords = []string{
	"you can",
	"let's",
	"many people",
	"common challenge",
	"opportunity",
	"consider",
	"explore",
}

// ValidateTone returns the tone findings for text, critical ones first.
// An empty slice means the text is clean.
func ValidateTone(text string) []database.Warning {
	lower := normalize(text)
	warnings := []database.Warning{}

	for _, phrase := range forbiddenPhrases {
		if strings.Contains(lower, phrase) {
			warnings = append(warnings, database.Warning{
				Severity: database.SeverityCritical,
				Category: CategoryForbiddenPhrase,
				Message:  fmt.Sprintf("Contains shaming language: '%s'", phrase),
			})
		}
	}

	empowering := false
	for _, kw := range empoweringKeywords {
		if strings.Contains(lower, kw) {
			empowering = true
			break
		}
	}
	if !empowering {
		warnings = append(warnings, database.Warning{
			Severity: database.SeverityNotable,
			Category: CategoryLacksEmpowering,
			Message:  "Content lacks empowering tone: no empowering keywords found",
		})
	}
	return warnings
}

// HasCritical reports whether any warning is critical.
func HasCritical(warnings []database.Warning) bool {
	for _, w := range warnings {
		if w.Severity == database.SeverityCritical {
			return true
		}
	}
	return false
}

// ValidateOverride applies the stricter override policy: critical findings
// block, notable ones are returned for the caller to record.
func ValidateOverride(text string) ([]database.Warning, error) {
	warnings := ValidateTone(text)
	if !HasCritical(warnings) {
		return warnings, nil
	}
	var found []string
	for _, w := range warnings {
		if w.Severity == database.SeverityCritical {
			found = append(found, w.Message)
		}
	}
	return warnings, apperr.Validation("override content failed tone validation: %s", strings.Join(found, "; "))
}

// normalize lowercases text and folds typographic apostrophes so "you’re"
// matches "you're".
func normalize(text string) string {
	return strings.ToLower(strings.NewReplacer("’", "'", "‘", "'").Replace(text))
}
