// Package ratecalc derives per-second rates from cumulative counter samples.
package ratecalc

import "github.com/tinytelemetry/flowscope/internal/model"

// Outcome describes how a sample was applied to its key's baseline.
type Outcome int

const (
	// OutcomeBaseline means the sample became the first baseline for its key.
	OutcomeBaseline Outcome = iota
	// OutcomeRate means a rate was computed against the previous baseline.
	OutcomeRate
	// OutcomeStale means the sample was not newer than the baseline and was ignored.
	OutcomeStale
	// OutcomeReset means the counter decreased and the baseline restarted.
	OutcomeReset
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeBaseline:
		return "baseline"
	case OutcomeRate:
		return "rate"
	case OutcomeStale:
		return "stale"
	case OutcomeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Advance applies one sample to a key's state and returns the new state.
// prev is nil when no sample has been seen for the key.
//
// Any decrease of the raw value is treated as a counter reset. A late sample
// with a smaller value is indistinguishable from a process restart here, so
// the heuristic is an approximation.
func Advance(prev *model.RateState, rawValue float64, timestamp int64) (model.RateState, Outcome) {
	if prev == nil {
		return model.RateState{
			PreviousRawValue:  rawValue,
			PreviousTimestamp: timestamp,
			CurrentRate:       model.UnknownRate(),
		}, OutcomeBaseline
	}

	if timestamp <= prev.PreviousTimestamp {
		return *prev, OutcomeStale
	}

	if rawValue < prev.PreviousRawValue {
		return model.RateState{
			PreviousRawValue:  rawValue,
			PreviousTimestamp: timestamp,
			CurrentRate:       model.UnknownRate(),
		}, OutcomeReset
	}

	elapsedSeconds := float64(timestamp-prev.PreviousTimestamp) / 1000
	rate := (rawValue - prev.PreviousRawValue) / elapsedSeconds
	return model.RateState{
		PreviousRawValue:  rawValue,
		PreviousTimestamp: timestamp,
		CurrentRate:       model.KnownRate(rate),
	}, OutcomeRate
}

// Calculator keeps one RateState per metric key. It is not safe for
// concurrent use; the aggregate store serializes access.
type Calculator struct {
	states map[string]model.RateState
}

// New creates an empty calculator.
func New() *Calculator {
	return &Calculator{states: make(map[string]model.RateState)}
}

// Observe applies a sample for key and returns the key's current rate.
func (c *Calculator) Observe(key string, rawValue float64, timestamp int64) (model.Rate, Outcome) {
	var prev *model.RateState
	if st, ok := c.states[key]; ok {
		prev = &st
	}
	next, outcome := Advance(prev, rawValue, timestamp)
	c.states[key] = next
	return next.CurrentRate, outcome
}

// State returns the baseline held for key.
func (c *Calculator) State(key string) (model.RateState, bool) {
	st, ok := c.states[key]
	return st, ok
}

// Len returns the number of tracked keys.
func (c *Calculator) Len() int { return len(c.states) }

// Reset forgets every key.
func (c *Calculator) Reset() {
	c.states = make(map[string]model.RateState)
}
