// Package allowlist implements the operator-managed suppression rules:
// loading from a YAML file, hot-reload on file change, and matching against
// BLOCK scan results.
package allowlist

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/scan"
)

// Valid entry scopes. upstream_path is parsed but not yet enforced; it
// downgrades to global with a warning.
const (
	ScopeGlobal       = "global"
	ScopeUpstreamPath = "upstream_path"
)

// Entry is one suppression rule. A rule matches a BLOCK when its RuleID
// equals the result's rule ID and, when Pattern is set, the pattern matches
// the scanned content.
type Entry struct {
	RuleID string `yaml:"rule_id"`
	Note   string `yaml:"note,omitempty"`
	// Pattern is the raw expression from the file; pattern, when non-nil,
	// is its compiled form. Invalid patterns are discarded at load time and
	// the entry degrades to a rule-id-only match.
	Pattern string `yaml:"pattern,omitempty"`
	Scope   string `yaml:"scope,omitempty"`

	pattern *regexp.Regexp
}

// rawEntry is the file-level shape, decoded loosely so one malformed entry
// never poisons the rest.
type rawEntry struct {
	RuleID  string `yaml:"rule_id"`
	Note    string `yaml:"note"`
	Pattern string `yaml:"pattern"`
	Scope   string `yaml:"scope"`
}

// rawDocument accepts the mapping form: {allowlist: [...]}.
type rawDocument struct {
	Allowlist []yaml.Node `yaml:"allowlist"`
}

// Store holds the active entry set. Readers take an immutable snapshot via
// an atomic pointer, so hot-reloads never tear a read and reads never block
// the reloader; Load serializes writers with a mutex.
type Store struct {
	entries atomic.Pointer[[]Entry]
	loadMu  sync.Mutex
	logger  *slog.Logger
}

// NewStore returns an empty store.
func NewStore(logger *slog.Logger) *Store {
	s := &Store{logger: logger}
	empty := make([]Entry, 0)
	s.entries.Store(&empty)
	return s
}

// Entries returns the current immutable snapshot. Callers must not mutate
// the returned slice.
func (s *Store) Entries() []Entry {
	return *s.entries.Load()
}

// Load reads the allowlist file and atomically replaces the entry set.
// Returns the number of loaded entries. A missing file is an empty
// allowlist, not an error. A parse or read failure returns an error and
// leaves the previous entry set active; this is what makes hot-reload
// safe against half-saved files.
func (s *Store) Load(path string) (int, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("allowlist file not found, empty allowlist", "path", path)
			empty := make([]Entry, 0)
			s.entries.Store(&empty)
			return 0, nil
		}
		return -1, fmt.Errorf("read allowlist: %w", err)
	}

	entries, err := s.parse(data)
	if err != nil {
		return -1, err
	}

	s.entries.Store(&entries)
	s.logger.Debug("allowlist loaded", "count", len(entries), "path", path)
	return len(entries), nil
}

// parse accepts either a top-level sequence of entries or a mapping with an
// allowlist key. Invalid individual entries are skipped with a warning.
func (s *Store) parse(data []byte) ([]Entry, error) {
	var nodes []yaml.Node
	if err := yaml.Unmarshal(data, &nodes); err == nil {
		return s.parseEntries(nodes), nil
	}

	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}
	return s.parseEntries(doc.Allowlist), nil
}

func (s *Store) parseEntries(nodes []yaml.Node) []Entry {
	entries := make([]Entry, 0, len(nodes))
	for i, node := range nodes {
		var raw rawEntry
		if err := node.Decode(&raw); err != nil {
			s.logger.Warn("allowlist entry is not a mapping, skipping", "index", i, "error", err)
			continue
		}
		if raw.RuleID == "" {
			s.logger.Warn("allowlist entry missing rule_id, skipping", "index", i)
			continue
		}

		scope := raw.Scope
		switch scope {
		case "", ScopeGlobal:
			scope = ScopeGlobal
		case ScopeUpstreamPath:
			s.logger.Warn("scope upstream_path not yet enforced, treating as global", "rule_id", raw.RuleID)
			scope = ScopeGlobal
		default:
			s.logger.Warn("unknown allowlist scope, treating as global", "rule_id", raw.RuleID, "scope", scope)
			scope = ScopeGlobal
		}

		entry := Entry{
			RuleID:  raw.RuleID,
			Note:    raw.Note,
			Pattern: raw.Pattern,
			Scope:   scope,
		}
		if raw.Pattern != "" {
			// Compiled here so attacker-controlled patterns never reach a
			// backtracking engine and invalid ones are caught at load time.
			re, err := regexp.Compile(raw.Pattern)
			if err != nil {
				s.logger.Warn("allowlist pattern invalid, ignoring pattern",
					"rule_id", raw.RuleID,
					"pattern", raw.Pattern,
					"error", err,
				)
				entry.Pattern = ""
			} else {
				entry.pattern = re
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// Apply checks a BLOCK result against the loaded entries. First matching
// entry wins: the result is rewritten to ALLOW_SUPPRESSED with all original
// fields preserved and AllowlistRuleID set. Non-BLOCK results and system
// blocks pass through unchanged. Never panics outward.
func (s *Store) Apply(result scan.Result, content string) (out scan.Result) {
	out = result
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("allowlist apply failure, keeping block",
				"scan_id", result.ScanID,
				"panic", r,
			)
			out = result
		}
	}()

	if result.Action != scan.ActionBlock {
		return result
	}
	// System rule IDs may appear in allowlist files but never match scan
	// results.
	if scan.IsSystemRule(result.RuleID) {
		return result
	}

	entries := s.Entries()
	if len(entries) == 0 {
		return result
	}

	for _, entry := range entries {
		if entry.RuleID != result.RuleID {
			continue
		}
		if entry.pattern != nil && !entry.pattern.MatchString(content) {
			continue
		}

		s.logger.Info("allowlist suppressed block",
			"scan_id", result.ScanID,
			"rule_id", result.RuleID,
			"allowlist_rule_id", entry.RuleID,
			"note", entry.Note,
		)
		suppressed := result
		suppressed.Action = scan.ActionAllowSuppressed
		suppressed.AllowlistRuleID = entry.RuleID
		return suppressed
	}
	return result
}

var _ scan.AllowlistApplier = (*Store)(nil)
