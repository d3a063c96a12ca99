package model

import (
	"fmt"
	"time"
)

// Timeframe is a canonical bar duration label ("1m", "1h", ...).
type Timeframe string

// The canonical timeframe set. Anything outside this set is rejected at the
// API boundary so the rest of the core never sees an unmapped label.
const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
)

var tfSeconds = map[Timeframe]int64{
	TF1m:  60,
	TF3m:  180,
	TF5m:  300,
	TF15m: 900,
	TF30m: 1800,
	TF1h:  3600,
	TF2h:  7200,
	TF4h:  14400,
	TF6h:  21600,
	TF12h: 43200,
	TF1d:  86400,
}

// ParseTimeframe validates a timeframe label against the canonical set.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := tfSeconds[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether tf belongs to the canonical set.
func (tf Timeframe) Valid() bool {
	_, ok := tfSeconds[tf]
	return ok
}

// Seconds returns the bar duration in seconds. Zero for unknown labels.
func (tf Timeframe) Seconds() int64 {
	return tfSeconds[tf]
}

// Duration returns the bar duration as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tfSeconds[tf]) * time.Second
}

// Align floors a Unix-seconds timestamp to the bar boundary for tf.
func (tf Timeframe) Align(unixSec int64) int64 {
	secs := tfSeconds[tf]
	if secs == 0 {
		return unixSec
	}
	return unixSec - (unixSec % secs)
}
