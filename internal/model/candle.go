package model

import (
	"fmt"
	"math"
	"sort"
)

// Candle is one OHLCV bar. TimestampSeconds is the bar open time, aligned to
// the timeframe boundary.
type Candle struct {
	TimestampSeconds int64   `json:"ts"`
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Low              float64 `json:"low"`
	Close            float64 `json:"close"`
	Volume           float64 `json:"volume"`
}

// Valid checks the per-bar OHLCV invariants: finite fields, non-negative
// volume, low <= open,close <= high.
func (c Candle) Valid() bool {
	for _, f := range [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	if c.TimestampSeconds < 0 || c.Volume < 0 {
		return false
	}
	if c.Low > c.High {
		return false
	}
	if c.Open < c.Low || c.Open > c.High {
		return false
	}
	if c.Close < c.Low || c.Close > c.High {
		return false
	}
	return true
}

// CandleSeries is an ordered run of candles for one (exchange, symbol,
// timeframe). Timestamps are strictly increasing and aligned to the
// timeframe; gaps are permitted and never filled with synthetic bars.
type CandleSeries []Candle

// First returns the earliest candle, or false when the series is empty.
func (s CandleSeries) First() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[0], true
}

// Last returns the latest candle, or false when the series is empty.
func (s CandleSeries) Last() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[len(s)-1], true
}

// Validate checks the series invariants: every bar valid, timestamps
// strictly increasing and aligned to tf.
func (s CandleSeries) Validate(tf Timeframe) error {
	var prev int64 = -1
	for i, c := range s {
		if !c.Valid() {
			return fmt.Errorf("candle %d invalid: %+v", i, c)
		}
		if tf.Seconds() > 0 && c.TimestampSeconds%tf.Seconds() != 0 {
			return fmt.Errorf("candle %d timestamp %d not aligned to %s", i, c.TimestampSeconds, tf)
		}
		if c.TimestampSeconds <= prev {
			return fmt.Errorf("candle %d timestamp %d not increasing (prev %d)", i, c.TimestampSeconds, prev)
		}
		prev = c.TimestampSeconds
	}
	return nil
}

// Merge combines s with extra, deduping by timestamp. On a duplicate
// timestamp the candle already in s wins ("keep earliest occurrence").
// The result is a fresh, sorted series; neither input is mutated.
func (s CandleSeries) Merge(extra CandleSeries) CandleSeries {
	if len(extra) == 0 {
		out := make(CandleSeries, len(s))
		copy(out, s)
		return out
	}
	seen := make(map[int64]struct{}, len(s)+len(extra))
	out := make(CandleSeries, 0, len(s)+len(extra))
	for _, c := range s {
		if _, dup := seen[c.TimestampSeconds]; dup {
			continue
		}
		seen[c.TimestampSeconds] = struct{}{}
		out = append(out, c)
	}
	for _, c := range extra {
		if _, dup := seen[c.TimestampSeconds]; dup {
			continue
		}
		seen[c.TimestampSeconds] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampSeconds < out[j].TimestampSeconds })
	return out
}

// TrimSince returns the suffix of s with TimestampSeconds >= sinceSec.
// The series must already be sorted.
func (s CandleSeries) TrimSince(sinceSec int64) CandleSeries {
	idx := sort.Search(len(s), func(i int) bool { return s[i].TimestampSeconds >= sinceSec })
	out := make(CandleSeries, len(s)-idx)
	copy(out, s[idx:])
	return out
}
