package flags

import "time"

// matchCohort resolves a cohort id against a property bag, recursing
// through nested AND/OR trees and negated leaves. A cohort id absent from
// cohorts is a static cohort whose membership lives server-side, so the
// decision is inconclusive locally.
func matchCohort(cohortID string, cohorts map[string]CohortNode, properties map[string]any, now time.Time) (bool, error) {
	return matchCohortSeen(cohortID, cohorts, properties, now, map[string]bool{})
}

func matchCohortSeen(cohortID string, cohorts map[string]CohortNode, properties map[string]any, now time.Time, seen map[string]bool) (bool, error) {
	if seen[cohortID] {
		return false, Inconclusive("circular reference to cohort %s", cohortID)
	}

	node, ok := cohorts[cohortID]
	if !ok {
		return false, Inconclusive("cohort %s is not in the local rule set, likely a static cohort", cohortID)
	}

	seen[cohortID] = true
	defer delete(seen, cohortID)

	return matchCohortNode(node, cohorts, properties, now, seen)
}

// matchCohortNode evaluates one tree node.
//
// The boolean algebra around inconclusive branches is asymmetric. AND
// stops at the first branch that is not conclusively true: a conclusive
// false wins, but an inconclusive branch seen first poisons the whole
// conjunction. OR keeps going past inconclusive branches, because a later
// conclusively-true branch rescues the disjunction; only when nothing
// rescued it does the inconclusive branch surface.
func matchCohortNode(node CohortNode, cohorts map[string]CohortNode, properties map[string]any, now time.Time, seen map[string]bool) (bool, error) {
	if node.Leaf != nil {
		return matchCohortLeaf(*node.Leaf, cohorts, properties, now, seen)
	}

	if node.Logical == "OR" {
		var pending error
		for _, child := range node.Values {
			matched, err := matchCohortNode(child, cohorts, properties, now, seen)
			if err != nil {
				if pending == nil {
					pending = err
				}
				continue
			}
			if matched {
				return true, nil
			}
		}
		if pending != nil {
			return false, pending
		}
		return false, nil
	}

	// AND (the default for unrecognized group types).
	for _, child := range node.Values {
		matched, err := matchCohortNode(child, cohorts, properties, now, seen)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// matchCohortLeaf evaluates a leaf condition, following nested cohort
// references through the same resolver. Negation inverts a conclusive
// result only; an inconclusive leaf stays inconclusive.
func matchCohortLeaf(cond PropertyCondition, cohorts map[string]CohortNode, properties map[string]any, now time.Time, seen map[string]bool) (bool, error) {
	var matched bool
	var err error

	if cond.Type == TypeCohort {
		matched, err = matchCohortSeen(coerceString(cond.Value), cohorts, properties, now, seen)
	} else {
		matched, err = matchProperty(cond, properties, now)
	}
	if err != nil {
		return false, err
	}
	if cond.Negation {
		return !matched, nil
	}
	return matched, nil
}
