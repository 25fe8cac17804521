package scan

import (
	"regexp"
)

// InputHardCap is the hard truncation limit applied to scan input before
// any pattern matching. Inputs beyond this length are cut; the truncation
// is recorded in the audit context by the caller.
const InputHardCap = 8192

// TestCredential is the well-known fake credential used for onboarding.
// Matching it blocks like a real credential but sets Test=true.
const TestCredential = "sk-ongarde-test-fake-key-12345"

// RegexResult is the outcome of the synchronous regex fast path.
type RegexResult struct {
	IsBlock     bool
	RuleID      string
	RiskLevel   RiskLevel
	MatchedSlug string
	Test        bool
	// Start and End delimit the matched span in the (capped) input.
	Start int
	End   int
}

// compiledPattern pairs a compiled expression with its detection metadata.
type compiledPattern struct {
	slug   string
	ruleID string
	risk   RiskLevel
	test   bool
	re     *regexp.Regexp
}

// RegexEngine runs the synchronous pattern catalog. All patterns are
// compiled at construction; Go's regexp is automata-based, so matching is
// linear in the input regardless of pattern shape.
type RegexEngine struct {
	patterns []compiledPattern
}

// NewRegexEngine compiles the full pattern catalog. Declaration order is
// match order: the test credential precedes the generic credential
// prefixes so onboarding probes surface as test matches.
func NewRegexEngine() *RegexEngine {
	raw := []struct {
		slug    string
		ruleID  string
		risk    RiskLevel
		test    bool
		pattern string
	}{
		{
			slug:    "ongarde_test_credential",
			ruleID:  RuleCredentialDetected,
			risk:    RiskCritical,
			test:    true,
			pattern: regexp.QuoteMeta(TestCredential),
		},
		{
			slug:    "anthropic_api_key",
			ruleID:  RuleCredentialDetected,
			risk:    RiskCritical,
			pattern: `\bsk-ant-[A-Za-z0-9_-]{20,}`,
		},
		{
			slug:    "openai_api_key",
			ruleID:  RuleCredentialDetected,
			risk:    RiskCritical,
			pattern: `\bsk-[A-Za-z0-9_-]{20,}`,
		},
		{
			slug:    "google_api_key",
			ruleID:  RuleCredentialDetected,
			risk:    RiskCritical,
			pattern: `\bAIza[0-9A-Za-z_-]{35}`,
		},
		{
			slug:    "github_token",
			ruleID:  RuleCredentialDetected,
			risk:    RiskCritical,
			pattern: `\bgh[pousr]_[A-Za-z0-9]{36,}`,
		},
		{
			slug:    "slack_token",
			ruleID:  RuleCredentialDetected,
			risk:    RiskCritical,
			pattern: `\bxox[baprs]-[A-Za-z0-9-]{10,}`,
		},
		{
			slug:    "aws_access_key_id",
			ruleID:  RuleCredentialDetected,
			risk:    RiskCritical,
			pattern: `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`,
		},
		{
			slug:    "jwt_token",
			ruleID:  RuleCredentialDetected,
			risk:    RiskHigh,
			pattern: `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{5,}`,
		},
		{
			slug:    "private_key_pem",
			ruleID:  RuleCredentialDetected,
			risk:    RiskCritical,
			pattern: `-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
		},
		{
			slug:    "recursive_force_delete",
			ruleID:  RuleDangerousCommandDetected,
			risk:    RiskCritical,
			pattern: `(?i)\brm\s+-[a-z]*[rf][a-z]*\s+(?:-[a-z]+\s+)*/(?:\s|$|['"*])`,
		},
		{
			slug:    "fork_bomb",
			ruleID:  RuleDangerousCommandDetected,
			risk:    RiskCritical,
			pattern: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`,
		},
		{
			slug:    "pipe_to_shell",
			ruleID:  RuleDangerousCommandDetected,
			risk:    RiskHigh,
			pattern: `(?i)\b(?:curl|wget)\b[^\n|]*\|\s*(?:ba|z|da)?sh\b`,
		},
		{
			slug:    "disk_overwrite",
			ruleID:  RuleDangerousCommandDetected,
			risk:    RiskCritical,
			pattern: `(?i)\b(?:mkfs\.[a-z0-9]+\s+/dev/|dd\s+[^\n]*\bof=/dev/(?:sd|nvme|hd|vd))`,
		},
		{
			slug:    "sql_drop",
			ruleID:  RuleDangerousCommandDetected,
			risk:    RiskHigh,
			pattern: `(?i)\bDROP\s+(?:TABLE|DATABASE|SCHEMA)\s+`,
		},
		{
			slug:    "dynamic_code_exec",
			ruleID:  RuleDangerousCommandDetected,
			risk:    RiskHigh,
			pattern: `(?i)\b(?:__import__|eval|exec)\s*\(\s*(?:request|input|compile|base64|chr)\b`,
		},
		{
			slug:    "instruction_override",
			ruleID:  RulePromptInjectionDetected,
			risk:    RiskHigh,
			pattern: `(?i)(?:ignore|disregard|forget)\s+(?:all\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|context)`,
		},
		{
			slug:    "role_hijack",
			ruleID:  RulePromptInjectionDetected,
			risk:    RiskHigh,
			pattern: `(?i)you\s+are\s+(?:now|actually|really)\s+(?:a|an|my)\s+`,
		},
		{
			slug:    "system_tag_injection",
			ruleID:  RulePromptInjectionDetected,
			risk:    RiskMedium,
			pattern: `(?i)<\s*(?:system|assistant)\s*>`,
		},
		{
			slug:    "instruction_injection",
			ruleID:  RulePromptInjectionDetected,
			risk:    RiskMedium,
			pattern: `(?i)(?:new\s+instructions?|updated?\s+(?:instructions?|rules?|prompt)):\s*`,
		},
	}

	compiled := make([]compiledPattern, 0, len(raw))
	for _, rp := range raw {
		compiled = append(compiled, compiledPattern{
			slug:   rp.slug,
			ruleID: rp.ruleID,
			risk:   rp.risk,
			test:   rp.test,
			re:     regexp.MustCompile(rp.pattern),
		})
	}
	return &RegexEngine{patterns: compiled}
}

// Scan runs the pattern catalog against text and returns the first match in
// declaration order. It never panics: any internal failure degrades to a
// no-match result.
func (e *RegexEngine) Scan(text string) (result RegexResult) {
	defer func() {
		if recover() != nil {
			result = RegexResult{}
		}
	}()

	if text == "" {
		return RegexResult{}
	}
	if len(text) > InputHardCap {
		text = text[:InputHardCap]
	}

	for _, p := range e.patterns {
		loc := p.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		return RegexResult{
			IsBlock:     true,
			RuleID:      p.ruleID,
			RiskLevel:   p.risk,
			MatchedSlug: p.slug,
			Test:        p.test,
			Start:       loc[0],
			End:         loc[1],
		}
	}
	return RegexResult{}
}

// ApplyInputCap truncates text to InputHardCap characters. The returned
// bool reports whether truncation occurred so callers can record it in the
// audit context.
func ApplyInputCap(text string) (string, bool) {
	if len(text) <= InputHardCap {
		return text, false
	}
	return text[:InputHardCap], true
}
