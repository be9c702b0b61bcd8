package decomposer

import (
	"regexp"
	"strings"

	"github.com/ghostrun/ghostbrowser/internal/model"
)

// connectorRe implements the §4.5 clause-splitting rule: split on "then",
// "and then", "next", "finally", and "and".
var connectorRe = regexp.MustCompile(`(?i)\s*(?:,\s*)?(?:and then|then|next|finally|and)\s+`)

// splitClauses breaks intentText into its connector-delimited clauses. A
// single-clause input (no connector matched) returns a one-element slice.
func splitClauses(intentText string) []string {
	parts := connectorRe.Split(intentText, -1)
	clauses := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			clauses = append(clauses, p)
		}
	}
	if len(clauses) == 0 {
		return []string{strings.TrimSpace(intentText)}
	}
	return clauses
}

// verbFamily buckets a clause's verb into the §4.5 verification mapping.
type verbFamily int

const (
	familyOther verbFamily = iota
	familyExtract
	familyNavigate
	familySelect
)

var verbFamilyKeywords = map[verbFamily][]string{
	familyExtract:  {"extract", "collect", "capture", "return", "gather", "scrape"},
	familyNavigate: {"open", "navigate", "visit", "go to", "go "},
	familySelect:   {"click", "select", "choose", "pick"},
}

// humanReviewKeywords flag pre-declared sensitive steps that must bottom
// out at human review rather than dispatch autonomously (§4.5).
var humanReviewKeywords = []string{
	"captcha", "2fa", "two-factor", "one-time password", "otp",
	"verify you are human", "security code",
}

func containsHumanReviewSignal(text string) bool {
	return containsAny(strings.ToLower(text), humanReviewKeywords)
}

func classifyVerbFamily(clause string) verbFamily {
	lower := strings.ToLower(clause)
	// Order matters: extract/navigate/select are checked before the
	// catch-all, in the same precedence §4.5 lists them.
	for _, fam := range []verbFamily{familyExtract, familyNavigate, familySelect} {
		for _, kw := range verbFamilyKeywords[fam] {
			if strings.Contains(lower, kw) {
				return fam
			}
		}
	}
	return familyOther
}

// verificationFor maps one clause to its subtask verification predicate.
func verificationFor(clause string) model.Verification {
	if containsHumanReviewSignal(clause) {
		return model.Verification{Type: model.VerifyHumanReview, Condition: "human review required: " + clause}
	}
	switch classifyVerbFamily(clause) {
	case familyExtract:
		return model.Verification{Type: model.VerifyDataExtracted, Condition: "extraction completes for: " + clause}
	case familyNavigate:
		return model.Verification{Type: model.VerifyURLMatches, Condition: "current url matches target for: " + clause}
	case familySelect:
		return model.Verification{Type: model.VerifyElementPresent, Condition: "target element present for: " + clause}
	default:
		return model.Verification{Type: model.VerifyActionConfirmed, Condition: "action confirmed for: " + clause}
	}
}

// verbFamilyHitCount counts how many distinct verb families appear in
// text, used as a step-estimate boost when no explicit connector split the
// input into multiple clauses (§4.5 "heuristic boosts").
func verbFamilyHitCount(text string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, keywords := range verbFamilyKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				hits++
				break
			}
		}
	}
	return hits
}
