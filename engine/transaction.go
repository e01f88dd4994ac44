package engine

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// UnknownField fills entity and event type when a caller leaves them out.
const UnknownField = "unknown"

// Transaction is a single unit of work carried by a job payload.
type Transaction struct {
	ID        string                 `json:"id,omitempty"`
	EntityID  string                 `json:"entity_id,omitempty"`
	EventType string                 `json:"event_type,omitempty"`
	Data      []byte                 `json:"data,omitempty"`
	Priority  int                    `json:"priority,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes a transaction leniently. Entries that are not
// objects are kept verbatim in Data, and fields with an unexpected shape
// are left empty. Timestamps may be RFC 3339 strings or Unix seconds.
func (tx *Transaction) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		*tx = Transaction{Data: append([]byte(nil), b...)}
		return nil
	}

	var out Transaction
	decodeField(fields, "id", &out.ID)
	decodeField(fields, "entity_id", &out.EntityID)
	decodeField(fields, "event_type", &out.EventType)
	decodeField(fields, "priority", &out.Priority)
	decodeField(fields, "metadata", &out.Metadata)

	if raw, ok := fields["data"]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Data); err != nil {
			out.Data = append([]byte(nil), raw...)
		}
	}

	if raw, ok := fields["timestamp"]; ok && len(raw) > 0 {
		var seconds float64
		if err := json.Unmarshal(raw, &seconds); err == nil {
			out.Timestamp = unixSeconds(seconds)
		} else {
			decodeField(fields, "timestamp", &out.Timestamp)
		}
	}

	*tx = out
	return nil
}

// maxUnixSeconds keeps a timestamp representable as int64 nanoseconds.
const maxUnixSeconds = math.MaxInt64/1e9 - 1

// unixSeconds converts fractional epoch seconds. Out of range values give
// the zero time, which withDefaults later replaces.
func unixSeconds(seconds float64) time.Time {
	sec, frac := math.Modf(seconds)
	if !(math.Abs(sec) <= maxUnixSeconds) {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// withDefaults returns a copy ready for the mempool: a generated ID when
// none is given, "unknown" entity and event type, and an arrival time.
func (tx Transaction) withDefaults(now time.Time) Transaction {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.EntityID == "" {
		tx.EntityID = UnknownField
	}
	if tx.EventType == "" {
		tx.EventType = UnknownField
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = now
	}
	return tx
}

func (tx *Transaction) validate() error {
	switch {
	case tx.ID == "":
		return errors.New("missing id")
	case tx.EntityID == "":
		return errors.New("missing entity_id")
	case tx.EventType == "":
		return errors.New("missing event_type")
	}
	return nil
}
