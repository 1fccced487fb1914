package flags

import (
	"fmt"
	"time"
)

// Result is the outcome of one conclusive local evaluation.
type Result struct {
	Enabled bool
	// Variant is the resolved multivariate key, empty for boolean flags
	// and for disabled results.
	Variant string
	// Reason is a human-readable explanation of the outcome.
	Reason string
	// ConditionIndex is the zero-based index of the condition group that
	// decided the flag, or -1 when none did.
	ConditionIndex int
}

// Value reduces the result to the wire shape of a flag value: a variant
// key string when one was assigned, otherwise a boolean.
func (r Result) Value() any {
	if r.Variant != "" {
		return r.Variant
	}
	return r.Enabled
}

// Evaluator computes flags against one immutable rule-set snapshot. It is
// stateless apart from the snapshot and safe for concurrent use; each
// EvaluateFlag call owns its own per-pass cache.
type Evaluator struct {
	RuleSet *RuleSet

	// Now supplies the evaluation clock. Nil means time.Now. One instant
	// is captured per pass so date operators inside a dependency chain
	// agree with each other.
	Now func() time.Time
}

// pass carries the per-evaluation-pass state: the clock captured at entry,
// the cache that keeps a diamond-shaped dependency graph from evaluating
// the same upstream flag twice, and the set of flags currently being
// evaluated, which breaks dependency cycles.
type pass struct {
	now      time.Time
	results  map[string]Result
	visiting map[string]bool
}

// EvaluateFlag runs the full state machine for one flag. It returns a
// conclusive Result or an InconclusiveError explaining why the decision
// must fall back to the server.
func (e *Evaluator) EvaluateFlag(flag *FlagDefinition, ctx EvalContext) (Result, error) {
	p := &pass{
		results:  make(map[string]Result),
		visiting: map[string]bool{flag.Key: true},
	}
	if e.Now != nil {
		p.now = e.Now()
	} else {
		p.now = time.Now()
	}
	return e.evaluate(flag, ctx, p)
}

// evaluateByKey resolves a flag key through the rule set and the per-pass
// cache. Dependency chains come through here so each upstream flag is
// evaluated at most once per pass.
func (e *Evaluator) evaluateByKey(key string, ctx EvalContext, p *pass) (Result, error) {
	if res, ok := p.results[key]; ok {
		return res, nil
	}
	// A key already on the evaluation stack means the dependency graph
	// loops back on itself; the rule set comes off the network, so this
	// must degrade rather than recurse.
	if p.visiting[key] {
		return Result{}, Inconclusive("circular dependency on flag %q", key)
	}

	flag, ok := e.RuleSet.Flag(key)
	if !ok {
		return Result{}, Inconclusive("flag %q is not in the local rule set", key)
	}

	p.visiting[key] = true
	res, err := e.evaluate(flag, ctx, p)
	delete(p.visiting, key)
	if err != nil {
		return Result{}, err
	}
	p.results[key] = res
	return res, nil
}

func (e *Evaluator) evaluate(flag *FlagDefinition, ctx EvalContext, p *pass) (Result, error) {
	if !flag.Active {
		return Result{Enabled: false, Reason: "flag is disabled", ConditionIndex: -1}, nil
	}

	// Flags requiring cross-session continuity depend on server-side
	// person state and are never owned by local evaluation.
	if flag.EnsureExperienceContinuity {
		return Result{}, Inconclusive("flag %q requires experience continuity", flag.Key)
	}

	bucketingValue, properties, haveSubject, err := e.resolveSubject(flag, ctx)
	if err != nil {
		return Result{}, err
	}

	// A missing group for a group-scoped flag is a conclusive non-match,
	// provided the mapping itself was resolvable (checked above).
	if !haveSubject {
		return Result{Enabled: false, Reason: "no group of the flag's aggregation type in this call", ConditionIndex: -1}, nil
	}

	for i, group := range flag.Filters.Groups {
		matched, err := e.matchConditionGroup(group, properties, ctx, p)
		if err != nil {
			// One undecidable group poisons the whole flag: a later
			// group matching locally cannot prove this one would not
			// have taken precedence.
			return Result{}, err
		}
		if !matched {
			continue
		}

		rollout := 100.0
		if group.RolloutPercentage != nil {
			rollout = *group.RolloutPercentage
		}
		if hashBucket(flag.Key, bucketingValue, "") >= rollout/100 {
			continue
		}

		return e.resolveMatch(flag, group, i, bucketingValue), nil
	}

	return Result{Enabled: false, Reason: "no condition groups matched", ConditionIndex: -1}, nil
}

// resolveSubject determines the bucketing value and the property bag the
// flag's conditions are matched against. A false third return means the
// call conclusively has no subject for this flag (a group-scoped flag
// with no group of its type supplied).
func (e *Evaluator) resolveSubject(flag *FlagDefinition, ctx EvalContext) (string, map[string]any, bool, error) {
	if idx := flag.Filters.AggregationGroupTypeIndex; idx != nil {
		groupType, ok := e.RuleSet.GroupTypeName(*idx)
		if !ok {
			return "", nil, false, Inconclusive("flag %q has unknown group type index %d", flag.Key, *idx)
		}
		groupKey, ok := ctx.Groups[groupType]
		if !ok {
			return "", nil, false, nil
		}
		return groupKey, ctx.GroupProperties[groupType], true, nil
	}

	// Person-scoped: the distinct id is matchable as a property unless
	// the caller supplied their own.
	properties := ctx.PersonProperties
	if _, ok := properties["distinct_id"]; !ok {
		merged := make(map[string]any, len(properties)+1)
		for k, v := range properties {
			merged[k] = v
		}
		merged["distinct_id"] = ctx.DistinctID
		properties = merged
	}

	if flag.BucketingIdentifier == "device_id" {
		device, ok := ctx.PersonProperties["$device_id"]
		if !ok || coerceString(device) == "" {
			return "", nil, false, Inconclusive("flag %q buckets by device id but $device_id is not in person properties", flag.Key)
		}
		return coerceString(device), properties, true, nil
	}

	return ctx.DistinctID, properties, true, nil
}

// matchConditionGroup evaluates every condition of a group (implicit AND).
func (e *Evaluator) matchConditionGroup(group ConditionGroup, properties map[string]any, ctx EvalContext, p *pass) (bool, error) {
	for _, cond := range group.Properties {
		var matched bool
		var err error

		switch {
		case cond.Type == TypeCohort:
			matched, err = matchCohort(coerceString(cond.Value), e.RuleSet.Cohorts, properties, p.now)
		case cond.Type == TypeFlag || cond.Operator == OpFlagEvaluates:
			matched, err = e.matchFlagDependency(cond, ctx, p)
		default:
			matched, err = matchProperty(cond, properties, p.now)
		}

		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// resolveMatch turns a matched group into the final result, assigning a
// multivariate bucket when the flag declares one.
func (e *Evaluator) resolveMatch(flag *FlagDefinition, group ConditionGroup, index int, bucketingValue string) Result {
	reason := fmt.Sprintf("matched condition group %d", index+1)

	mv := flag.Filters.Multivariate
	if mv == nil || len(mv.Variants) == 0 {
		return Result{Enabled: true, Reason: reason, ConditionIndex: index}
	}

	// A forced variant wins only when it names a declared bucket;
	// otherwise normal bucketing applies.
	if group.Variant != nil && flag.validVariant(*group.Variant) {
		return Result{Enabled: true, Variant: *group.Variant, Reason: reason, ConditionIndex: index}
	}

	hash := hashBucket(flag.Key, bucketingValue, variantSalt)
	cumulative := 0.0
	for _, v := range mv.Variants {
		cumulative += v.RolloutPercentage
		if hash < cumulative/100 {
			return Result{Enabled: true, Variant: v.Key, Reason: reason, ConditionIndex: index}
		}
	}

	// The declared percentages do not cover the hash: the group matched
	// but no variant bucket did, so the flag is off.
	return Result{Enabled: false, Reason: "hash is outside all variant buckets", ConditionIndex: index}
}
