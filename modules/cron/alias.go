package cron

import "strings"

// Alias is the value an alias key expands to: either a five-field expression
// or the always-due sentinel.
type Alias struct {
	Expr   string `mapstructure:"schedule" json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Always bool   `mapstructure:"always" json:"always,omitempty" yaml:"always,omitempty"`
}

// AlwaysDue is the sentinel alias value.
var AlwaysDue = Alias{Always: true}

func Expr(expr string) Alias {
	return Alias{Expr: expr}
}

func (a Alias) String() string {
	if a.Always {
		return "always"
	}
	return a.Expr
}

// DefaultAliases returns a fresh copy of the built-in alias table.
func DefaultAliases() map[string]Alias {
	return map[string]Alias{
		"@minutes":     AlwaysDue,
		"@fiveMinutes": Expr("*/5 * * * *"),
		"@tenMinutes":  Expr("*/10 * * * *"),
		"@sunday":      Expr("0 0 * * 0"),
		"@monday":      Expr("0 0 * * 1"),
		"@tuesday":     Expr("0 0 * * 2"),
		"@wednesday":   Expr("0 0 * * 3"),
		"@thursday":    Expr("0 0 * * 4"),
		"@friday":      Expr("0 0 * * 5"),
		"@saturday":    Expr("0 0 * * 6"),
		"@weekday":     Expr("0 0 * * 1-5"),
		"@weekend":     Expr("0 0 * * 0,6"),
		"@yearly":      Expr("0 0 1 1 *"),
		"@annually":    Expr("0 0 1 1 *"),
		"@monthly":     Expr("0 0 1 * *"),
		"@weekly":      Expr("0 0 * * 0"),
		"@daily":       Expr("0 0 * * *"),
		"@hourly":      Expr("0 * * * *"),
	}
}

// ParseAlias reads the textual form used in configuration files: "always"
// (any case) or "true" is the sentinel, anything else is an expression.
func ParseAlias(s string) Alias {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always", "true":
		return AlwaysDue
	}
	return Expr(s)
}
