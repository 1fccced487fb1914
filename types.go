package pennant

// EvalOptions carries the per-call inputs for a flag evaluation beyond
// the distinct id. The zero value is valid: no extra properties, remote
// fallback allowed, flag events sent.
type EvalOptions struct {
	// PersonProperties are person-level properties to match rules
	// against. Property values observed in the server UI as numbers
	// arrive here as float64 after JSON decoding; matching is
	// type-aware either way.
	PersonProperties map[string]any

	// Groups maps group type name to group key, e.g.
	// {"company": "acme"}.
	Groups map[string]string

	// GroupProperties maps group type name to that group's properties.
	GroupProperties map[string]map[string]any

	// OnlyEvaluateLocally disables the remote fallback for this call.
	// An inconclusive local evaluation then yields a nil result, not an
	// error.
	OnlyEvaluateLocally bool

	// SendFlagEvents controls the "$feature_flag_called" tracking
	// event. Nil means true.
	SendFlagEvents *bool

	// FlagKeysToEvaluate restricts GetAllFlags (and its remote
	// fallback) to the given keys.
	FlagKeysToEvaluate []string
}

func (o EvalOptions) sendEvents() bool {
	return o.SendFlagEvents == nil || *o.SendFlagEvents
}

// FlagResult is the detailed outcome of a single flag evaluation.
type FlagResult struct {
	// Key is the flag key.
	Key string

	// Enabled reports whether the flag matched for this subject.
	Enabled bool

	// Variant is the matched variant key, empty for boolean flags and
	// for non-matching subjects.
	Variant string

	// Payload is the decoded JSON payload attached to the matched
	// variant (or to the "true" payload for boolean flags). Nil when
	// no payload is configured or the flag did not match.
	Payload any

	// Reason is a human-readable explanation of the outcome.
	Reason string

	// RequestID identifies the remote call that produced this result.
	// Empty for locally evaluated flags.
	RequestID string

	// FlagID and FlagVersion identify the definition that was
	// evaluated, when known.
	FlagID      int
	FlagVersion int

	locallyEvaluated bool
}

// Value collapses the result to the wire form: the variant key when one
// matched, otherwise the boolean enabled state.
func (r *FlagResult) Value() any {
	if r == nil {
		return false
	}
	if r.Variant != "" {
		return r.Variant
	}
	return r.Enabled
}
