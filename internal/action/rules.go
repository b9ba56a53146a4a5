package action

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule classifies one kind of risky action by its URL suffix. An action
// whose URL ends in Suffix mutates an existing stateful resource; if the
// server reports the resource in one of IncompatibleStatuses, the queued
// action can never be applied and must be dropped as a conflict.
type Rule struct {
	Suffix               string   `yaml:"suffix"`
	Label                string   `yaml:"label"`
	IncompatibleStatuses []string `yaml:"incompatibleStatuses"`
}

// RuleSet holds the risky-action classification table. Creation actions
// (no matching suffix) are never risky: a create cannot conflict with a
// state it is the first to establish.
type RuleSet struct {
	rules []Rule
}

// DefaultRules returns the built-in classification for the ChefCloud
// order lifecycle.
func DefaultRules() *RuleSet {
	return &RuleSet{rules: []Rule{
		{
			Suffix:               "/pay",
			Label:                "Pay order",
			IncompatibleStatuses: []string{"PAID", "CLOSED", "VOIDED"},
		},
		{
			Suffix:               "/void",
			Label:                "Void order",
			IncompatibleStatuses: []string{"PAID", "CLOSED", "VOIDED"},
		},
		{
			Suffix:               "/close",
			Label:                "Close order",
			IncompatibleStatuses: []string{"CLOSED", "VOIDED"},
		},
		{
			Suffix:               "/items",
			Label:                "Add items",
			IncompatibleStatuses: []string{"PAID", "CLOSED", "VOIDED"},
		},
	}}
}

// LoadRules reads an operator-provided rules file. A missing file is not
// an error; the built-in defaults are returned instead.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRules(), nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if len(rules) == 0 {
		return DefaultRules(), nil
	}
	return &RuleSet{rules: rules}, nil
}

// Classify returns the matching rule for a risky action. Read-only
// methods and creation actions never match.
func (rs *RuleSet) Classify(a QueuedAction) (Rule, bool) {
	if a.Method == "GET" || a.Method == "HEAD" {
		return Rule{}, false
	}
	path := trimQuery(a.URL)
	for _, r := range rs.rules {
		if strings.HasSuffix(path, r.Suffix) {
			return r, true
		}
	}
	return Rule{}, false
}

// ConflictRoot derives the resource-root URL for the conflict-check GET
// by stripping the action suffix from the original URL.
func (rs *RuleSet) ConflictRoot(a QueuedAction) string {
	path := trimQuery(a.URL)
	for _, r := range rs.rules {
		if strings.HasSuffix(path, r.Suffix) {
			return strings.TrimSuffix(path, r.Suffix)
		}
	}
	return path
}

// Incompatible reports whether a server-side resource status makes the
// action permanently unreplayable.
func (r Rule) Incompatible(status string) bool {
	for _, s := range r.IncompatibleStatuses {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}

// Label derives a human-readable description for the sync log.
func (rs *RuleSet) Label(a QueuedAction) string {
	if rule, ok := rs.Classify(a); ok {
		return rule.Label
	}
	path := trimQuery(a.URL)
	resource := strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		resource = resource[i+1:]
	}
	if resource == "" {
		resource = "resource"
	}
	resource = strings.TrimSuffix(resource, "s")
	switch a.Method {
	case "POST":
		return "Create " + resource
	case "PUT", "PATCH":
		return "Update " + resource
	case "DELETE":
		return "Delete " + resource
	default:
		return a.Method + " " + resource
	}
}

func trimQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
