// Package cron decides whether five-field cron expressions, or aliases of
// them, are due at a fixed reference minute.
//
// The evaluator is fail-closed: a malformed expression is never due and
// never returns an error from IsDue. Validate exists for callers that want
// to report configuration mistakes up front.
package cron

import (
	"fmt"
	"maps"
	"time"
)

// TimePoint is a reference instant decomposed into the five cron fields.
type TimePoint struct {
	Minute     int `json:"minute"`
	Hour       int `json:"hour"`
	DayOfMonth int `json:"day_of_month"`
	Month      int `json:"month"`
	DayOfWeek  int `json:"day_of_week"` // 0 = Sunday
}

func NewTimePoint(t time.Time) TimePoint {
	return TimePoint{
		Minute:     t.Minute(),
		Hour:       t.Hour(),
		DayOfMonth: t.Day(),
		Month:      int(t.Month()),
		DayOfWeek:  int(t.Weekday()),
	}
}

func (tp TimePoint) values() [fieldCount]int {
	return [fieldCount]int{tp.Minute, tp.Hour, tp.DayOfMonth, tp.Month, tp.DayOfWeek}
}

// Evaluator answers IsDue for one reference time. The decomposition of the
// reference time is computed once, in SetTime, so every check made between
// two SetTime calls sees the same instant.
//
// An Evaluator may be shared by goroutines that only call IsDue, Next or
// Validate; SetTime and SetMapping must not run concurrently with them.
type Evaluator struct {
	loc     *time.Location
	time    time.Time
	now     TimePoint
	mapping map[string]Alias
}

type Option func(*Evaluator)

// WithTime binds the evaluator to t instead of the current time.
func WithTime(t time.Time) Option {
	return func(e *Evaluator) {
		e.time = t
	}
}

// WithLocation sets the zone the reference time is decomposed in. Defaults
// to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(e *Evaluator) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithMapping merges aliases into the built-in table.
func WithMapping(aliases map[string]Alias) Option {
	return func(e *Evaluator) {
		maps.Copy(e.mapping, aliases)
	}
}

func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		loc:     time.Local,
		mapping: DefaultAliases(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.time.IsZero() {
		e.time = time.Now()
	}
	e.SetTime(e.time)
	return e
}

// SetTime rebinds the evaluator to t.
func (e *Evaluator) SetTime(t time.Time) {
	e.time = t
	e.now = NewTimePoint(t.In(e.loc))
}

// SetUnix rebinds the evaluator to a unix timestamp in seconds.
func (e *Evaluator) SetUnix(sec int64) {
	e.SetTime(time.Unix(sec, 0))
}

func (e *Evaluator) Time() time.Time {
	return e.time
}

func (e *Evaluator) TimePoint() TimePoint {
	return e.now
}

func (e *Evaluator) Location() *time.Location {
	return e.loc
}

// Mapping returns a copy of the alias table.
func (e *Evaluator) Mapping() map[string]Alias {
	return maps.Clone(e.mapping)
}

// SetMapping merges aliases into the table; existing keys are overwritten and
// nothing is removed.
func (e *Evaluator) SetMapping(aliases map[string]Alias) {
	maps.Copy(e.mapping, aliases)
}

// resolve substitutes one level of alias.
func (e *Evaluator) resolve(expr string) Alias {
	if alias, ok := e.mapping[expr]; ok {
		return alias
	}
	return Alias{Expr: expr}
}

// IsDue reports whether expr is satisfied at the evaluator's reference time.
func (e *Evaluator) IsDue(expr string) bool {
	return e.isDueAt(expr, e.now)
}

func (e *Evaluator) isDueAt(expr string, tp TimePoint) bool {
	alias := e.resolve(expr)
	if alias.Always {
		return true
	}
	s, err := Parse(alias.Expr)
	if err != nil {
		return false
	}
	return s.Match(tp)
}

// Validate explains why expr can never be due. A nil result does not mean
// the expression will ever fire (e.g. "0 0 31 2 *"), only that it is well formed.
func (e *Evaluator) Validate(expr string) error {
	alias := e.resolve(expr)
	if alias.Always {
		return nil
	}
	s, err := Parse(alias.Expr)
	if err != nil {
		return err
	}
	if problems := s.Problems(); len(problems) > 0 {
		return fmt.Errorf("%q: %w", expr, problems[0])
	}
	return nil
}

// Next returns the first whole minute strictly after after at which expr is
// due, searching no further than limit. ok is false when nothing matched.
func (e *Evaluator) Next(expr string, after time.Time, limit time.Duration) (next time.Time, ok bool) {
	alias := e.resolve(expr)
	start := after.In(e.loc).Truncate(time.Minute).Add(time.Minute)
	if alias.Always {
		return start, true
	}
	s, err := Parse(alias.Expr)
	if err != nil {
		return time.Time{}, false
	}
	end := after.Add(limit)
	for t := start; !t.After(end); t = t.Add(time.Minute) {
		if s.Match(NewTimePoint(t)) {
			return t, true
		}
	}
	return time.Time{}, false
}
