package botstate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Attribution identifies which strategy or bucket owns a lot. It is a closed
// tagged set: a named strategy id, a dated rebalance bucket, or Manual. The
// zero value is invalid, and the legacy placeholders ("", "UNKNOWN",
// "ORPHAN") are not representable, which removes a whole class of empty-sid
// bugs by construction.
type Attribution struct {
	sid string
}

const (
	manualSID           = "MANUAL"
	rebalancePrefix     = "REB_"
	rebalanceDateFormat = "20060102"
)

// placeholders historically found in persisted state that must never be
// accepted as an attribution.
var placeholders = map[string]bool{"": true, "UNKNOWN": true, "ORPHAN": true, "null": true}

// Manual marks a holding bought outside the bot; exit logic treats it
// conservatively.
var Manual = Attribution{manualSID}

// StrategyID returns the attribution for a named strategy. The reserved
// forms (MANUAL, REB_*) and the legacy placeholders are rejected.
func StrategyID(id string) (Attribution, error) {
	id = strings.TrimSpace(id)
	if placeholders[id] {
		return Attribution{}, invalidf("strategy_id", "placeholder %q is not an attribution", id)
	}
	if id == manualSID || strings.HasPrefix(id, rebalancePrefix) {
		return Attribution{}, invalidf("strategy_id", "%q is a reserved attribution form", id)
	}
	return Attribution{sid: id}, nil
}

// RebalanceBucket returns the attribution for holdings assigned to the
// rebalance run of the given day, e.g. "REB_20250831".
func RebalanceBucket(day time.Time) Attribution {
	return Attribution{sid: rebalancePrefix + day.In(KST).Format(rebalanceDateFormat)}
}

// ParseAttribution parses the persisted string form of an attribution.
func ParseAttribution(s string) (Attribution, error) {
	switch {
	case placeholders[s]:
		return Attribution{}, invalidf("sid", "placeholder %q is not an attribution", s)
	case s == manualSID:
		return Manual, nil
	case strings.HasPrefix(s, rebalancePrefix):
		day := strings.TrimPrefix(s, rebalancePrefix)
		if _, err := time.ParseInLocation(rebalanceDateFormat, day, KST); err != nil {
			return Attribution{}, invalidf("sid", "malformed rebalance bucket %q", s)
		}
		return Attribution{sid: s}, nil
	default:
		return Attribution{sid: s}, nil
	}
}

// String returns the persisted form of the attribution.
func (a Attribution) String() string { return a.sid }

// IsZero reports whether the attribution is the invalid zero value.
func (a Attribution) IsZero() bool { return a.sid == "" }

// IsManual reports whether the holding was bought outside the bot.
func (a Attribution) IsManual() bool { return a.sid == manualSID }

// IsRebalance reports whether the holding belongs to a rebalance bucket.
func (a Attribution) IsRebalance() bool { return strings.HasPrefix(a.sid, rebalancePrefix) }

// IsStrategy reports whether the holding belongs to a named strategy.
func (a Attribution) IsStrategy() bool {
	return !a.IsZero() && !a.IsManual() && !a.IsRebalance()
}

// Equal reports whether two attributions denote the same owner.
func (a Attribution) Equal(b Attribution) bool { return a.sid == b.sid }

// BucketDay returns the day of a rebalance bucket attribution.
func (a Attribution) BucketDay() (time.Time, error) {
	if !a.IsRebalance() {
		return time.Time{}, fmt.Errorf("attribution %q is not a rebalance bucket", a.sid)
	}
	return time.ParseInLocation(rebalanceDateFormat, strings.TrimPrefix(a.sid, rebalancePrefix), KST)
}

// MarshalJSON implements the json.Marshaler interface for Attribution.
func (a Attribution) MarshalJSON() ([]byte, error) {
	if a.IsZero() {
		return nil, invalidf("sid", "cannot persist a zero attribution")
	}
	return json.Marshal(a.sid)
}

// UnmarshalJSON implements the json.Unmarshaler interface for Attribution.
func (a *Attribution) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAttribution(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
