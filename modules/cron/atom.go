package cron

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Field positions of a five-field expression.
const (
	FieldMinute = iota
	FieldHour
	FieldDayOfMonth
	FieldMonth
	FieldDayOfWeek

	fieldCount
)

var fieldNames = [fieldCount]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

// (* | N | N-M)(/S)?
var atomPattern = regexp.MustCompile(`^(\*|(\d+)(?:-(\d+))?)(?:/(\d+))?$`)

type atomKind int

const (
	kindInvalid atomKind = iota
	kindWildcard
	kindLiteral
	kindRange
)

// atom is one comma separated element of a field.
type atom struct {
	kind     atomKind
	from, to int
	stepped  bool
	step     int
	raw      string
}

func parseAtom(raw string) atom {
	m := atomPattern.FindStringSubmatch(raw)
	if m == nil {
		return atom{kind: kindInvalid, raw: raw}
	}
	a := atom{raw: raw}
	switch {
	case m[1] == "*":
		a.kind = kindWildcard
	case m[3] == "":
		a.kind = kindLiteral
	default:
		a.kind = kindRange
	}
	var ok bool
	if a.kind != kindWildcard {
		if a.from, ok = atoi(m[2]); !ok {
			return atom{kind: kindInvalid, raw: raw}
		}
		a.to = a.from
	}
	if a.kind == kindRange {
		if a.to, ok = atoi(m[3]); !ok {
			return atom{kind: kindInvalid, raw: raw}
		}
	}
	if m[4] != "" {
		a.stepped = true
		if a.step, ok = atoi(m[4]); !ok {
			return atom{kind: kindInvalid, raw: raw}
		}
	}
	return a
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// base is the lower bound a step counts from.
func (a atom) base() int {
	if a.kind == kindWildcard {
		return 0
	}
	return a.from
}

func (a atom) match(current int) bool {
	if a.kind == kindInvalid {
		return false
	}
	if !a.stepped {
		switch a.kind {
		case kindWildcard:
			return true
		case kindLiteral:
			return a.from == current
		default:
			return a.from <= current && current <= a.to
		}
	}
	if a.step <= 0 {
		return false
	}
	if a.kind == kindRange {
		return a.from <= current && current <= a.to && (current-a.from)%a.step == 0
	}
	return current >= a.base() && (current-a.base())%a.step == 0
}

// matchWeekday applies the day-of-week rules: 7 is another spelling of Sunday
// and ranges whose end is below their start wrap over the end of the week.
func (a atom) matchWeekday(current int) bool {
	if a.kind == kindInvalid {
		return false
	}
	from, to := a.from, a.to
	if a.kind == kindRange && to < from {
		to += 7
	}
	inRange := func(v int) bool { return from <= v && v <= to }

	if !a.stepped {
		switch a.kind {
		case kindWildcard:
			return true
		case kindLiteral:
			return from == current || (from == 7 && current == 0)
		default:
			return inRange(current) || inRange(current+7)
		}
	}
	if a.step <= 0 {
		return false
	}
	if a.kind == kindRange {
		return (inRange(current) && (current-from)%a.step == 0) ||
			(inRange(current+7) && (current+7-from)%a.step == 0)
	}
	base := a.base()
	return (current >= base && (current-base)%a.step == 0) ||
		(current == 0 && 7 >= base && (7-base)%a.step == 0)
}

func (a atom) problem() error {
	switch {
	case a.kind == kindInvalid:
		return fmt.Errorf("invalid atom %q", a.raw)
	case a.stepped && a.step <= 0:
		return fmt.Errorf("step must be positive in %q", a.raw)
	}
	return nil
}

// field is a comma separated list of atoms; it is satisfied when any atom matches.
type field struct {
	pos   int
	atoms []atom
}

func parseField(pos int, raw string) field {
	parts := strings.Split(raw, ",")
	f := field{pos: pos, atoms: make([]atom, 0, len(parts))}
	for _, p := range parts {
		f.atoms = append(f.atoms, parseAtom(p))
	}
	return f
}

func (f field) match(current int) bool {
	for _, a := range f.atoms {
		if f.pos == FieldDayOfWeek {
			if a.matchWeekday(current) {
				return true
			}
		} else if a.match(current) {
			return true
		}
	}
	return false
}

// Schedule is a parsed five-field expression. Malformed atoms are kept and
// simply never match.
type Schedule struct {
	fields [fieldCount]field
}

// Parse splits expr on whitespace into five fields. It fails only on a wrong
// field count; use Problems for atom level diagnostics.
func Parse(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != fieldCount {
		return Schedule{}, fmt.Errorf("expected %d fields, got %d in %q", fieldCount, len(parts), expr)
	}
	var s Schedule
	for i, p := range parts {
		s.fields[i] = parseField(i, p)
	}
	return s, nil
}

// Match reports whether every field accepts the corresponding value of tp.
func (s Schedule) Match(tp TimePoint) bool {
	values := tp.values()
	for i, f := range s.fields {
		if !f.match(values[i]) {
			return false
		}
	}
	return true
}

// Problems lists every malformed atom, prefixed with its field name.
func (s Schedule) Problems() []error {
	var out []error
	for i, f := range s.fields {
		for _, a := range f.atoms {
			if err := a.problem(); err != nil {
				out = append(out, fmt.Errorf("%s: %w", fieldNames[i], err))
			}
		}
	}
	return out
}
