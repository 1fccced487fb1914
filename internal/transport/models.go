package transport

// Wire models for the two server endpoints. The remote flag-evaluation
// endpoint has two response generations; decoding accepts both and
// Normalize folds them into one shape.

// remoteRequestBody is the POST body of the remote evaluation endpoint.
type remoteRequestBody struct {
	Token              string                    `json:"token"`
	DistinctID         string                    `json:"distinct_id"`
	Groups             map[string]string         `json:"groups,omitempty"`
	PersonProperties   map[string]any            `json:"person_properties,omitempty"`
	GroupProperties    map[string]map[string]any `json:"group_properties,omitempty"`
	GeoipDisable       bool                      `json:"geoip_disable,omitempty"`
	FlagKeysToEvaluate []string                  `json:"flag_keys_to_evaluate,omitempty"`
}

// remoteResponseBody covers both response shapes: the v2 "flags" map and
// the legacy v1 "featureFlags"/"featureFlagPayloads" pair.
type remoteResponseBody struct {
	Flags                     map[string]remoteFlagEntry `json:"flags"`
	FeatureFlags              map[string]any             `json:"featureFlags"`
	FeatureFlagPayloads       map[string]string          `json:"featureFlagPayloads"`
	ErrorsWhileComputingFlags bool                       `json:"errorsWhileComputingFlags"`
	RequestID                 string                     `json:"requestId"`
	EvaluatedAt               string                     `json:"evaluatedAt"`
	QuotaLimited              []string                   `json:"quotaLimited"`
}

type remoteFlagEntry struct {
	Key      string             `json:"key"`
	Enabled  bool               `json:"enabled"`
	Variant  *string            `json:"variant"`
	Reason   *remoteFlagReason  `json:"reason"`
	Metadata remoteFlagMetadata `json:"metadata"`
}

type remoteFlagReason struct {
	Code           string `json:"code"`
	Description    string `json:"description"`
	ConditionIndex *int   `json:"condition_index"`
}

type remoteFlagMetadata struct {
	ID          int     `json:"id"`
	Version     int     `json:"version"`
	Payload     *string `json:"payload"`
	Description string  `json:"description"`
}

// RemoteFlag is one normalized remotely-evaluated flag.
type RemoteFlag struct {
	Key     string
	Enabled bool
	Variant string
	Reason  string
	ID      int
	Version int
	// Payload is the raw JSON-serialized payload string, when present.
	Payload *string
}

// Value reduces the flag to its wire value: variant key or boolean.
func (f RemoteFlag) Value() any {
	if f.Variant != "" {
		return f.Variant
	}
	return f.Enabled
}

// RemoteEvaluation is the normalized result of one remote evaluation call.
type RemoteEvaluation struct {
	Flags                     map[string]RemoteFlag
	ErrorsWhileComputingFlags bool
	RequestID                 string
	QuotaLimited              bool
}

// normalize folds either response generation into RemoteEvaluation.
func (r *remoteResponseBody) normalize() *RemoteEvaluation {
	out := &RemoteEvaluation{
		Flags:                     make(map[string]RemoteFlag),
		ErrorsWhileComputingFlags: r.ErrorsWhileComputingFlags,
		RequestID:                 r.RequestID,
		QuotaLimited:              len(r.QuotaLimited) > 0,
	}

	if r.Flags != nil {
		for key, entry := range r.Flags {
			f := RemoteFlag{
				Key:     key,
				Enabled: entry.Enabled,
				ID:      entry.Metadata.ID,
				Version: entry.Metadata.Version,
				Payload: entry.Metadata.Payload,
			}
			if entry.Variant != nil {
				f.Variant = *entry.Variant
			}
			if entry.Reason != nil {
				f.Reason = entry.Reason.Code
			}
			out.Flags[key] = f
		}
		return out
	}

	// Legacy shape: values are booleans or variant strings, payloads live
	// in a parallel map.
	for key, value := range r.FeatureFlags {
		f := RemoteFlag{Key: key}
		switch v := value.(type) {
		case bool:
			f.Enabled = v
		case string:
			f.Enabled = true
			f.Variant = v
		}
		if payload, ok := r.FeatureFlagPayloads[key]; ok {
			p := payload
			f.Payload = &p
		}
		out.Flags[key] = f
	}
	return out
}
