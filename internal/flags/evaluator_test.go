package flags

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func newEvaluator(rs *RuleSet) *Evaluator {
	return &Evaluator{
		RuleSet: rs,
		Now:     func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func boolFlag(key string, groups ...ConditionGroup) FlagDefinition {
	return FlagDefinition{
		ID:      1,
		Key:     key,
		Active:  true,
		Filters: Filters{Groups: groups},
	}
}

func TestEvaluateFlag_Disabled(t *testing.T) {
	flag := boolFlag("off-flag", ConditionGroup{})
	flag.Active = false
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	res, err := e.EvaluateFlag(&flag, EvalContext{DistinctID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.Enabled)
	assert.Equal(t, "flag is disabled", res.Reason)
}

func TestEvaluateFlag_ExperienceContinuityIsInconclusive(t *testing.T) {
	flag := boolFlag("continuity-flag", ConditionGroup{})
	flag.EnsureExperienceContinuity = true
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	_, err := e.EvaluateFlag(&flag, EvalContext{DistinctID: "u1"})
	require.Error(t, err)
	assert.True(t, IsInconclusive(err))
}

func TestEvaluateFlag_SimpleRollout(t *testing.T) {
	// hashBucket("simple-flag", "some-distinct-id") == 0.4777...
	flag := boolFlag("simple-flag", ConditionGroup{RolloutPercentage: ptr(50.0)})
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	res, err := e.EvaluateFlag(&flag, EvalContext{DistinctID: "some-distinct-id"})
	require.NoError(t, err)
	assert.True(t, res.Enabled)
	assert.Equal(t, 0, res.ConditionIndex)

	// The same subject falls outside a 45% rollout.
	flag45 := boolFlag("simple-flag", ConditionGroup{RolloutPercentage: ptr(45.0)})
	res, err = e.EvaluateFlag(&flag45, EvalContext{DistinctID: "some-distinct-id"})
	require.NoError(t, err)
	assert.False(t, res.Enabled)
	assert.Equal(t, "no condition groups matched", res.Reason)
}

func TestEvaluateFlag_NilRolloutMeansFull(t *testing.T) {
	flag := boolFlag("any-flag", ConditionGroup{})
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	res, err := e.EvaluateFlag(&flag, EvalContext{DistinctID: "whoever"})
	require.NoError(t, err)
	assert.True(t, res.Enabled)
}

func TestEvaluateFlag_PropertyConditions(t *testing.T) {
	flag := boolFlag("prop-flag", ConditionGroup{
		Properties: []PropertyCondition{
			{Key: "country", Type: TypePerson, Value: []any{"DE"}},
			{Key: "plan", Type: TypePerson, Value: "pro"},
		},
	})
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	res, err := e.EvaluateFlag(&flag, EvalContext{
		DistinctID:       "u1",
		PersonProperties: map[string]any{"country": "DE", "plan": "pro"},
	})
	require.NoError(t, err)
	assert.True(t, res.Enabled)

	res, err = e.EvaluateFlag(&flag, EvalContext{
		DistinctID:       "u1",
		PersonProperties: map[string]any{"country": "DE", "plan": "free"},
	})
	require.NoError(t, err)
	assert.False(t, res.Enabled)

	// Missing property makes the flag undecidable, not false.
	_, err = e.EvaluateFlag(&flag, EvalContext{
		DistinctID:       "u1",
		PersonProperties: map[string]any{"country": "DE"},
	})
	require.Error(t, err)
	assert.True(t, IsInconclusive(err))
}

func TestEvaluateFlag_DistinctIDIsMatchable(t *testing.T) {
	flag := boolFlag("id-flag", ConditionGroup{
		Properties: []PropertyCondition{{Key: "distinct_id", Type: TypePerson, Value: "u1"}},
	})
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	res, err := e.EvaluateFlag(&flag, EvalContext{DistinctID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.Enabled)

	res, err = e.EvaluateFlag(&flag, EvalContext{DistinctID: "u2"})
	require.NoError(t, err)
	assert.False(t, res.Enabled)
}

func TestEvaluateFlag_FirstMatchingGroupWins(t *testing.T) {
	mv := &Multivariate{Variants: []Variant{
		{Key: "first-variant", RolloutPercentage: 50},
		{Key: "second-variant", RolloutPercentage: 50},
	}}

	flag := boolFlag("multivariate-flag",
		ConditionGroup{
			Properties: []PropertyCondition{{Key: "plan", Value: "pro"}},
			Variant:    ptr("second-variant"),
		},
		ConditionGroup{Variant: ptr("first-variant")},
	)
	flag.Filters.Multivariate = mv
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	// Both groups would match; the first one listed wins and its forced
	// variant is used even though bucketing would pick first-variant.
	res, err := e.EvaluateFlag(&flag, EvalContext{
		DistinctID:       "a-distinct-id",
		PersonProperties: map[string]any{"plan": "pro"},
	})
	require.NoError(t, err)
	assert.Equal(t, "second-variant", res.Variant)
	assert.Equal(t, 0, res.ConditionIndex)
}

func TestEvaluateFlag_VariantBucketing(t *testing.T) {
	// hashBucket("multivariate-flag", "a-distinct-id", "variant") == 0.3884...
	flag := boolFlag("multivariate-flag", ConditionGroup{})
	flag.Filters.Multivariate = &Multivariate{Variants: []Variant{
		{Key: "first-variant", RolloutPercentage: 25},
		{Key: "second-variant", RolloutPercentage: 25},
		{Key: "third-variant", RolloutPercentage: 25},
	}}
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	res, err := e.EvaluateFlag(&flag, EvalContext{DistinctID: "a-distinct-id"})
	require.NoError(t, err)
	assert.True(t, res.Enabled)
	assert.Equal(t, "second-variant", res.Variant)
	assert.Equal(t, "second-variant", res.Value())
}

func TestEvaluateFlag_HashPastAllVariantsDisables(t *testing.T) {
	// Percentages sum to 30 but the variant hash is 0.3884: the group
	// matches yet no bucket does, so the flag is off.
	flag := boolFlag("multivariate-flag", ConditionGroup{})
	flag.Filters.Multivariate = &Multivariate{Variants: []Variant{
		{Key: "first-variant", RolloutPercentage: 10},
		{Key: "second-variant", RolloutPercentage: 10},
		{Key: "third-variant", RolloutPercentage: 10},
	}}
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	res, err := e.EvaluateFlag(&flag, EvalContext{DistinctID: "a-distinct-id"})
	require.NoError(t, err)
	assert.False(t, res.Enabled)
	assert.Empty(t, res.Variant)
	assert.Equal(t, false, res.Value())
}

func TestEvaluateFlag_InvalidForcedVariantFallsBack(t *testing.T) {
	flag := boolFlag("multivariate-flag", ConditionGroup{Variant: ptr("no-such-variant")})
	flag.Filters.Multivariate = &Multivariate{Variants: []Variant{
		{Key: "first-variant", RolloutPercentage: 50},
		{Key: "second-variant", RolloutPercentage: 50},
	}}
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	res, err := e.EvaluateFlag(&flag, EvalContext{DistinctID: "a-distinct-id"})
	require.NoError(t, err)
	assert.Equal(t, "first-variant", res.Variant)
}

func TestEvaluateFlag_DeviceIDBucketing(t *testing.T) {
	flag := boolFlag("simple-flag", ConditionGroup{RolloutPercentage: ptr(50.0)})
	flag.BucketingIdentifier = "device_id"
	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})

	// No $device_id in person properties: undecidable, not a mismatch.
	_, err := e.EvaluateFlag(&flag, EvalContext{DistinctID: "ignored"})
	require.Error(t, err)
	assert.True(t, IsInconclusive(err))

	// The device id, not the distinct id, feeds the hash.
	res, err := e.EvaluateFlag(&flag, EvalContext{
		DistinctID:       "some-distinct-id_outside_rollout?",
		PersonProperties: map[string]any{"$device_id": "some-distinct-id"},
	})
	require.NoError(t, err)
	assert.True(t, res.Enabled)
}

func TestEvaluateFlag_GroupScoped(t *testing.T) {
	flag := boolFlag("group-flag", ConditionGroup{
		Properties:        []PropertyCondition{{Key: "name", Type: TypeGroup, Value: []any{"Project Inc."}, GroupTypeIndex: ptr(0)}},
		RolloutPercentage: ptr(35.0),
	})
	flag.Filters.AggregationGroupTypeIndex = ptr(0)

	rs := &RuleSet{
		Flags:            []FlagDefinition{flag},
		GroupTypeMapping: map[string]string{"0": "company"},
	}
	e := newEvaluator(rs)

	// hashBucket("group-flag", "amazon") == 0.5432 > 0.35: no match.
	res, err := e.EvaluateFlag(&flag, EvalContext{
		DistinctID:      "u1",
		Groups:          map[string]string{"company": "amazon"},
		GroupProperties: map[string]map[string]any{"company": {"name": "Project Inc."}},
	})
	require.NoError(t, err)
	assert.False(t, res.Enabled)

	// hashBucket("group-flag", "amazon_without_rollout") == 0.3089 < 0.35.
	res, err = e.EvaluateFlag(&flag, EvalContext{
		DistinctID:      "u1",
		Groups:          map[string]string{"company": "amazon_without_rollout"},
		GroupProperties: map[string]map[string]any{"company": {"name": "Project Inc."}},
	})
	require.NoError(t, err)
	assert.True(t, res.Enabled)

	// No group of the flag's type in this call: conclusive non-match.
	res, err = e.EvaluateFlag(&flag, EvalContext{DistinctID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.Enabled)

	// Missing group type mapping: cannot even resolve the scope.
	e = newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}})
	_, err = e.EvaluateFlag(&flag, EvalContext{
		DistinctID: "u1",
		Groups:     map[string]string{"company": "amazon"},
	})
	require.Error(t, err)
	assert.True(t, IsInconclusive(err))
}

// One group referencing a static cohort makes the whole flag undecidable
// locally, even when another group could be decided: local evaluation
// cannot prove the static-cohort group would not have taken precedence.
func TestEvaluateFlag_StaticCohortPoisonsWholeFlag(t *testing.T) {
	flag := boolFlag("f",
		ConditionGroup{
			Properties: []PropertyCondition{{Key: "id", Type: TypeCohort, Value: float64(999)}},
			Variant:    ptr("set-1"),
		},
		ConditionGroup{
			Properties: []PropertyCondition{{Key: "cc", Type: TypePerson, Value: []any{"DE"}}},
			Variant:    ptr("set-8"),
		},
	)
	flag.Filters.Multivariate = &Multivariate{Variants: []Variant{
		{Key: "set-1", RolloutPercentage: 50},
		{Key: "set-8", RolloutPercentage: 50},
	}}

	e := newEvaluator(&RuleSet{Flags: []FlagDefinition{flag}, Cohorts: map[string]CohortNode{}})
	_, err := e.EvaluateFlag(&flag, EvalContext{
		DistinctID:       "u1",
		PersonProperties: map[string]any{"cc": "DE"},
	})
	require.Error(t, err)
	assert.True(t, IsInconclusive(err))
}

func TestEvaluateFlag_LocalCohortCondition(t *testing.T) {
	flag := boolFlag("cohort-flag", ConditionGroup{
		Properties: []PropertyCondition{{Key: "id", Type: TypeCohort, Value: "5"}},
	})
	rs := &RuleSet{
		Flags: []FlagDefinition{flag},
		Cohorts: map[string]CohortNode{
			"5": {Logical: "AND", Values: []CohortNode{
				{Leaf: &PropertyCondition{Key: "country", Value: "DE"}},
			}},
		},
	}
	e := newEvaluator(rs)

	res, err := e.EvaluateFlag(&flag, EvalContext{
		DistinctID:       "u1",
		PersonProperties: map[string]any{"country": "DE"},
	})
	require.NoError(t, err)
	assert.True(t, res.Enabled)

	res, err = e.EvaluateFlag(&flag, EvalContext{
		DistinctID:       "u1",
		PersonProperties: map[string]any{"country": "US"},
	})
	require.NoError(t, err)
	assert.False(t, res.Enabled)
}

func TestPayloadFor(t *testing.T) {
	flag := boolFlag("payload-flag", ConditionGroup{})
	flag.Filters.Payloads = map[string]string{
		"true":          `{"color": "blue"}`,
		"first-variant": `[1, 2, 3]`,
		"broken":        `{not json`,
	}

	assert.Equal(t, map[string]any{"color": "blue"}, flag.PayloadFor(true))
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, flag.PayloadFor("first-variant"))
	// Unparseable payloads come back as their raw string.
	assert.Equal(t, `{not json`, flag.PayloadFor("broken"))
	assert.Nil(t, flag.PayloadFor(false))
	assert.Nil(t, flag.PayloadFor("unknown-variant"))
}
