package log

import (
	"time"
)

// DurationFormat formats a [time.Duration] log entry.
//
// A nil result discards the duration value from the log entry.
type DurationFormat func(d time.Duration) interface{}

func DurationFormatString(d time.Duration) interface{}       { return d.String() }
func DurationFormatSeconds(d time.Duration) interface{}      { return d.Seconds() }
func DurationFormatMilliseconds(d time.Duration) interface{} { return d.Milliseconds() }
