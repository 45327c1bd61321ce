package model

import "strings"

// ForwardingRule relays keyword messages from members of Source to the Dest group.
type ForwardingRule struct {
	ID            int64
	Keyword       string
	SourceGroupID int64
	DestGroupID   int64
	Message       string
	RuleType      string
	Label         string
}

// Named reports whether the rule carries both reporting dimensions.
func (r ForwardingRule) Named() bool {
	return strings.TrimSpace(r.Label) != "" && strings.TrimSpace(r.RuleType) != ""
}

// NormalizedKeyword is the lookup key.
func (r ForwardingRule) NormalizedKeyword() string {
	return strings.ToLower(strings.TrimSpace(r.Keyword))
}
