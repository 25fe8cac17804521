// Package audit contains the audit event model and the backend interface
// the proxy core emits events through. Persistence lives behind the
// interface; the core never blocks on it.
package audit

import (
	"context"
	"time"
)

// Direction of the scanned traffic.
const (
	DirectionRequest  = "REQUEST"
	DirectionResponse = "RESPONSE"
)

// Event is one audit record. BLOCK and ALLOW_SUPPRESSED decisions are
// always emitted; plain ALLOW request decisions are not.
type Event struct {
	// ScanID correlates the event with logs, headers, and block responses.
	ScanID    string    `json:"scan_id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	// Action is ALLOW, BLOCK, or ALLOW_SUPPRESSED.
	Action string `json:"action"`
	// Direction is REQUEST or RESPONSE.
	Direction string `json:"direction"`
	RuleID    string `json:"rule_id,omitempty"`
	RiskLevel string `json:"risk_level,omitempty"`
	// RedactedExcerpt never contains raw matched content.
	RedactedExcerpt string `json:"redacted_excerpt,omitempty"`
	AllowlistRuleID string `json:"allowlist_rule_id,omitempty"`
	Test            bool   `json:"test,omitempty"`
	// TokensDelivered is set for streaming aborts only.
	TokensDelivered int `json:"tokens_delivered,omitempty"`
	// AdvisoryEntities lists entity types found by the advisory NLP scan.
	AdvisoryEntities []string `json:"advisory_entities,omitempty"`
}

// Filter narrows audit queries. Zero values mean "no constraint".
type Filter struct {
	ScanID    string
	UserID    string
	Action    string
	Direction string
	RuleID    string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Backend persists and queries audit events.
type Backend interface {
	LogEvent(ctx context.Context, event Event) error
	QueryEvents(ctx context.Context, filter Filter) ([]Event, error)
	CountEvents(ctx context.Context, filter Filter) (int, error)
	Close(ctx context.Context) error
}
