package commentstore

import "time"

// nowMillis returns the current time as a millisecond epoch, the unit
// every Comment timestamp field uses. See spec.md §3.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
