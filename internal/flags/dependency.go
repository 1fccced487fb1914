package flags

// matchFlagDependency resolves a flag_evaluates_to condition: evaluate the
// upstream flags listed in the dependency chain in order (through the
// per-pass cache), then compare the target flag's result to the expected
// value. Intermediate flags never fall back to remote evaluation on their
// own; any inconclusive link makes the whole dependent flag inconclusive
// as a unit.
func (e *Evaluator) matchFlagDependency(cond PropertyCondition, ctx EvalContext, p *pass) (bool, error) {
	// The server resolves the dependency graph into an explicit chain. A
	// missing chain is an incomplete dependency, and an empty one is the
	// designed signal for an unresolvable cycle. Neither means "no
	// dependency".
	if cond.DependencyChain == nil {
		return false, Inconclusive("flag dependency on %q has no dependency chain", cond.Key)
	}
	if len(cond.DependencyChain) == 0 {
		return false, Inconclusive("flag dependency on %q has a circular dependency chain", cond.Key)
	}

	for _, upstream := range cond.DependencyChain {
		if _, err := e.evaluateByKey(upstream, ctx, p); err != nil {
			return false, err
		}
	}

	result, err := e.evaluateByKey(cond.Key, ctx, p)
	if err != nil {
		return false, err
	}
	return flagEvaluatesToExpected(cond.Value, result.Value()), nil
}

// flagEvaluatesToExpected compares a dependency's expected value against
// the upstream flag's computed value.
//
// Strings compare case-sensitively. Boolean true matches any non-empty
// variant string ("the flag is on"), boolean against boolean must be
// exactly equal, and mismatched primitive types never match. The empty
// string matches nothing, including boolean true.
func flagEvaluatesToExpected(expected, actual any) bool {
	switch exp := expected.(type) {
	case string:
		if exp == "" {
			return false
		}
		act, ok := actual.(string)
		return ok && act == exp
	case bool:
		switch act := actual.(type) {
		case bool:
			return act == exp
		case string:
			return exp && act != ""
		}
		return false
	}
	return false
}
