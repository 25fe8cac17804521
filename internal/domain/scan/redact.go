package scan

import (
	"gopkg.in/yaml.v3"
)

const (
	// redactionMask replaces the matched span in excerpts.
	redactionMask = "[REDACTED]"
	// excerptContext is the number of characters kept on each side of the
	// masked span.
	excerptContext = 20
	// excerptMaxLen caps the total excerpt length.
	excerptMaxLen = 100
)

// MakeRedactedExcerpt builds a safe excerpt around the span [start, end) of
// text. The matched span itself is replaced with the mask so the raw
// credential never appears; up to excerptContext characters of surrounding
// context are kept on each side and the whole excerpt is capped at
// excerptMaxLen characters.
func MakeRedactedExcerpt(text string, start, end int) string {
	if start < 0 || end > len(text) || start > end {
		return ""
	}

	from := start - excerptContext
	if from < 0 {
		from = 0
	}
	to := end + excerptContext
	if to > len(text) {
		to = len(text)
	}

	excerpt := text[from:start] + redactionMask + text[end:to]
	if len(excerpt) > excerptMaxLen {
		excerpt = excerpt[:excerptMaxLen]
	}
	return excerpt
}

// suppressionEntry mirrors the allowlist file entry shape so hints parse
// back with the allowlist loader.
type suppressionEntry struct {
	RuleID string `yaml:"rule_id"`
	Note   string `yaml:"note"`
}

// MakeSuppressionHint renders an allowlist snippet the operator can paste
// to suppress ruleID. Returns "" for system rule IDs: scanner faults are
// never suppressible.
func MakeSuppressionHint(ruleID, slug string) string {
	if ruleID == "" || IsSystemRule(ruleID) {
		return ""
	}
	doc := map[string][]suppressionEntry{
		"allowlist": {{
			RuleID: ruleID,
			Note:   "suppress " + slug + " (added by operator)",
		}},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(out)
}
