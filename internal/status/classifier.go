package status

import (
	"strings"

	"github.com/ignite/delivery-sync/internal/domain"
)

// DSNRule classifies a bounce by DSN code prefix.
type DSNRule struct {
	Prefix string
	Class  domain.BounceType
}

// ReasonRule classifies a bounce by a substring of the free-text
// reason reported by the relay.
type ReasonRule struct {
	Substring string
	Class     domain.BounceType
}

// BounceClassifier decides hard/soft/unknown from a DSN code and a
// free-text reason. DSN rules are evaluated first: DSN codes are
// machine-generated while reason strings are relay-specific prose, so
// a classified DSN always wins over any reason match. Reason rules
// only decide when the DSN is absent or unclassified. Rules are
// ordered; the first match wins.
type BounceClassifier struct {
	DSNRules    []DSNRule
	ReasonRules []ReasonRule
}

// NewBounceClassifier returns a classifier with the default rule set.
func NewBounceClassifier() *BounceClassifier {
	return &BounceClassifier{
		DSNRules: []DSNRule{
			{Prefix: "5.", Class: domain.BounceHard},
			{Prefix: "4.", Class: domain.BounceSoft},
		},
		ReasonRules: []ReasonRule{
			{Substring: "user unknown", Class: domain.BounceHard},
			{Substring: "no such user", Class: domain.BounceHard},
			{Substring: "does not exist", Class: domain.BounceHard},
			{Substring: "invalid recipient", Class: domain.BounceHard},
			{Substring: "address rejected", Class: domain.BounceHard},
			{Substring: "mailbox unavailable", Class: domain.BounceHard},
			{Substring: "domain not found", Class: domain.BounceHard},
			{Substring: "mailbox full", Class: domain.BounceSoft},
			{Substring: "quota", Class: domain.BounceSoft},
			{Substring: "temporar", Class: domain.BounceSoft},
			{Substring: "try again later", Class: domain.BounceSoft},
			{Substring: "greylist", Class: domain.BounceSoft},
			{Substring: "rate limit", Class: domain.BounceSoft},
			{Substring: "too many connections", Class: domain.BounceSoft},
		},
	}
}

// Classify returns the bounce type for the given diagnostics.
func (c *BounceClassifier) Classify(dsn, reason string) domain.BounceType {
	for _, r := range c.DSNRules {
		if dsn != "" && strings.HasPrefix(dsn, r.Prefix) {
			return r.Class
		}
	}
	lower := strings.ToLower(reason)
	for _, r := range c.ReasonRules {
		if lower != "" && strings.Contains(lower, r.Substring) {
			return r.Class
		}
	}
	return domain.BounceUnknown
}
