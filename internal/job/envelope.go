package job

import (
	"encoding/json"
	"time"

	"github.com/tonglam/letletme-data-sub003/internal/qerrors"
)

// Envelope is the minimal payload shape the runtime enforces on produce.
// The data member stays opaque to the runtime; processors own its schema.
type Envelope struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ValidateEnvelope checks that a payload carries the required envelope
// fields. Violations are invalid-job-data errors and are never retried.
func ValidateEnvelope(payload []byte) error {
	if len(payload) == 0 {
		return qerrors.New(qerrors.KindInvalidJobData, "empty payload")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return qerrors.Wrap(qerrors.KindInvalidJobData, "payload is not a JSON object", err)
	}

	var typ string
	if err := json.Unmarshal(raw["type"], &typ); err != nil || typ == "" {
		return qerrors.New(qerrors.KindInvalidJobData, "payload missing non-empty type")
	}

	var name string
	if err := json.Unmarshal(raw["name"], &name); err != nil || name == "" {
		return qerrors.New(qerrors.KindInvalidJobData, "payload missing non-empty name")
	}

	var ts time.Time
	if err := json.Unmarshal(raw["timestamp"], &ts); err != nil || ts.IsZero() {
		return qerrors.New(qerrors.KindInvalidJobData, "payload missing valid timestamp")
	}

	if _, ok := raw["data"]; !ok {
		return qerrors.New(qerrors.KindInvalidJobData, "payload missing data")
	}

	return nil
}
