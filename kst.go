package botstate

import "time"

// KST is the exchange timezone. A fixed offset is used on purpose: Korea has
// no daylight saving and a fixed zone keeps timestamps reproducible on hosts
// without a tzdata database.
var KST = time.FixedZone("KST", 9*60*60)

// TimestampFormat is the format used to persist timestamps, RFC3339 with the
// KST offset.
const TimestampFormat = time.RFC3339

// Now returns the current time in KST.
func Now() time.Time { return time.Now().In(KST) }
