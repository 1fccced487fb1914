package pennant

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single analytics event handed to the Publisher. The client
// emits "$feature_flag_called" events; delivery, batching and retry are
// the publisher's concern.
type Event struct {
	UUID       string
	Name       string
	DistinctID string
	Timestamp  time.Time
	Properties map[string]any
}

// Publisher receives events produced during flag evaluation. Enqueue
// must be safe for concurrent use and should not block; a publisher
// that ships events over the network is expected to buffer internally.
type Publisher interface {
	Enqueue(event Event) error
}

// noopPublisher drops every event. Used when no publisher is
// configured.
type noopPublisher struct{}

func (noopPublisher) Enqueue(Event) error { return nil }

func newFlagCalledEvent(distinctID, flagKey string, result *FlagResult, errCodes string, now time.Time) Event {
	props := map[string]any{
		"$feature_flag":          flagKey,
		"$feature_flag_response": result.Value(),
		"locally_evaluated":      result != nil && result.locallyEvaluated,
	}
	if result != nil {
		if result.FlagID != 0 {
			props["$feature_flag_id"] = result.FlagID
		}
		if result.FlagVersion != 0 {
			props["$feature_flag_version"] = result.FlagVersion
		}
		if result.RequestID != "" {
			props["$feature_flag_request_id"] = result.RequestID
		}
	}
	if errCodes != "" {
		props["$feature_flag_error"] = errCodes
	}

	return Event{
		UUID:       uuid.NewString(),
		Name:       "$feature_flag_called",
		DistinctID: distinctID,
		Timestamp:  now,
		Properties: props,
	}
}
