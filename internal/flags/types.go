// Package flags implements the local feature-flag evaluation engine: the
// declarative rule model fetched from the server, the property matcher, the
// consistent hasher shared with the server, cohort and flag-dependency
// resolution, and the flag evaluator that ties them together.
//
// Everything in this package is pure computation. The rule set is an
// immutable snapshot owned by the caller; evaluation never performs I/O.
package flags

import (
	"encoding/json"
	"strconv"
	"time"
)

// FlagDefinition is one feature flag as served by the local-evaluation
// endpoint.
type FlagDefinition struct {
	ID      int    `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	Active  bool   `json:"active"`
	Version int    `json:"version,omitempty"`

	// EnsureExperienceContinuity marks a flag that must stay consistent
	// across anonymous/identified sessions. Such flags are never safe to
	// evaluate locally.
	EnsureExperienceContinuity bool `json:"ensure_experience_continuity,omitempty"`

	// BucketingIdentifier selects which property supplies the hash input:
	// "distinct_id" (the default when empty) or "device_id".
	BucketingIdentifier string `json:"bucketing_identifier,omitempty"`

	Filters Filters `json:"filters"`
}

// Filters is the rule block of a flag definition.
type Filters struct {
	Groups       []ConditionGroup `json:"groups"`
	Multivariate *Multivariate    `json:"multivariate,omitempty"`

	// Payloads maps a variant key (or "true" for boolean flags) to a
	// JSON-serialized payload string.
	Payloads map[string]string `json:"payloads,omitempty"`

	// AggregationGroupTypeIndex, when set, scopes the flag to a group
	// type instead of a person.
	AggregationGroupTypeIndex *int `json:"aggregation_group_type_index,omitempty"`
}

// ConditionGroup is an ordered AND of property conditions plus a rollout
// percentage and an optional forced variant.
type ConditionGroup struct {
	Properties []PropertyCondition `json:"properties"`

	// RolloutPercentage in [0,100]; nil means 100.
	RolloutPercentage *float64 `json:"rollout_percentage"`

	// Variant forces a specific multivariate key when this group matches,
	// provided the key exists in the flag's variant list.
	Variant *string `json:"variant,omitempty"`
}

// Property condition types.
const (
	TypePerson = "person"
	TypeGroup  = "group"
	TypeCohort = "cohort"
	TypeFlag   = "flag"
)

// Supported operators.
const (
	OpExact         = "exact"
	OpIsNot         = "is_not"
	OpIsSet         = "is_set"
	OpIContains     = "icontains"
	OpRegex         = "regex"
	OpNotRegex      = "not_regex"
	OpGT            = "gt"
	OpGTE           = "gte"
	OpLT            = "lt"
	OpLTE           = "lte"
	OpIsDateBefore  = "is_date_before"
	OpIsDateAfter   = "is_date_after"
	OpFlagEvaluates = "flag_evaluates_to"
)

// PropertyCondition is a single key/operator/value matcher.
type PropertyCondition struct {
	Key      string `json:"key"`
	Operator string `json:"operator,omitempty"` // empty means "exact"
	Value    any    `json:"value"`
	Type     string `json:"type,omitempty"` // person, group, cohort or flag
	Negation bool   `json:"negation,omitempty"`

	// GroupTypeIndex applies to type "group" conditions.
	GroupTypeIndex *int `json:"group_type_index,omitempty"`

	// DependencyChain lists the upstream flag keys a flag_evaluates_to
	// condition must evaluate first, in order. A nil slice means the
	// server omitted the chain (invalid dependency); an empty non-nil
	// slice signals an unresolvable circular dependency. Both are
	// inconclusive, never "no dependency".
	DependencyChain []string `json:"dependency_chain,omitempty"`
}

// Multivariate declares the ordered variant split of a flag.
type Multivariate struct {
	Variants []Variant `json:"variants"`
}

// Variant is one multivariate bucket. Percentages need not sum to 100;
// the hash can fall past the last bucket, in which case no variant matches.
type Variant struct {
	Key               string  `json:"key"`
	Name              string  `json:"name,omitempty"`
	RolloutPercentage float64 `json:"rollout_percentage"`
}

// CohortNode is one node of a cohort definition tree: either a logical
// group ("AND"/"OR" over child nodes) or a leaf property condition.
type CohortNode struct {
	// Logical is "AND" or "OR" for group nodes, empty for leaves.
	Logical string
	Values  []CohortNode

	// Leaf is set for leaf nodes.
	Leaf *PropertyCondition
}

// UnmarshalJSON disambiguates group nodes from leaf conditions: both carry
// a "type" field, but only group nodes use "AND"/"OR" there.
func (n *CohortNode) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	if head.Type == "AND" || head.Type == "OR" {
		var group struct {
			Type   string       `json:"type"`
			Values []CohortNode `json:"values"`
		}
		if err := json.Unmarshal(data, &group); err != nil {
			return err
		}
		n.Logical = group.Type
		n.Values = group.Values
		n.Leaf = nil
		return nil
	}

	var leaf PropertyCondition
	if err := json.Unmarshal(data, &leaf); err != nil {
		return err
	}
	n.Logical = ""
	n.Values = nil
	n.Leaf = &leaf
	return nil
}

// RuleSet is the payload of the local-evaluation endpoint: the full set of
// flags, the group-type mapping and the cohort definitions. A rule set is
// replaced wholesale on refresh, never mutated in place.
type RuleSet struct {
	Flags []FlagDefinition `json:"flags"`

	// GroupTypeMapping maps a numeric group type index (as a string key)
	// to the group type name.
	GroupTypeMapping map[string]string `json:"group_type_mapping"`

	// Cohorts maps cohort id to its definition tree. A cohort referenced
	// by a flag but absent here is a static cohort and cannot be
	// evaluated locally.
	Cohorts map[string]CohortNode `json:"cohorts"`

	LoadedAt time.Time `json:"-"`
	ETag     string    `json:"-"`
}

// Flag returns the definition for key, if present.
func (rs *RuleSet) Flag(key string) (*FlagDefinition, bool) {
	if rs == nil {
		return nil, false
	}
	for i := range rs.Flags {
		if rs.Flags[i].Key == key {
			return &rs.Flags[i], true
		}
	}
	return nil, false
}

// GroupTypeName resolves an aggregation group type index to its name.
func (rs *RuleSet) GroupTypeName(index int) (string, bool) {
	if rs == nil || rs.GroupTypeMapping == nil {
		return "", false
	}
	name, ok := rs.GroupTypeMapping[strconv.Itoa(index)]
	return name, ok
}

// EvalContext carries everything about the subject of one evaluation call.
type EvalContext struct {
	DistinctID       string
	Groups           map[string]string
	PersonProperties map[string]any
	GroupProperties  map[string]map[string]any
}

// PayloadFor returns the JSON-decoded payload for a resolved match value
// (a variant key, or boolean true for plain boolean flags). Payloads that
// fail to parse as JSON are returned as their raw string. A false or
// missing match yields nil.
func (f *FlagDefinition) PayloadFor(matchValue any) any {
	if f.Filters.Payloads == nil {
		return nil
	}

	var key string
	switch v := matchValue.(type) {
	case string:
		key = v
	case bool:
		if !v {
			return nil
		}
		key = "true"
	default:
		return nil
	}

	raw, ok := f.Filters.Payloads[key]
	if !ok {
		return nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}

// validVariant reports whether key names a declared multivariate bucket.
func (f *FlagDefinition) validVariant(key string) bool {
	if f.Filters.Multivariate == nil {
		return false
	}
	for _, v := range f.Filters.Multivariate.Variants {
		if v.Key == key {
			return true
		}
	}
	return false
}
