// Package router maps console paths to routes using pattern rules such as
// "report/{type:\w+}" => "report/send". Compiled rule tables are cached.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/deesoft/console/errors"
	"github.com/deesoft/console/modules/cache"
)

const defaultVarRegex = `[^/]+`

var placeholder = regexp.MustCompile(`\{([\w._-]+):?([^\}]+)?\}`)

// Rule maps Pattern to Route. Params are merged into the resolved request.
type Rule struct {
	Pattern string            `mapstructure:"pattern" json:"pattern"`
	Route   string            `mapstructure:"route" json:"route"`
	Params  map[string]string `mapstructure:"params" json:"params,omitempty"`
}

type staticEntry struct {
	Route  string            `json:"route"`
	Params map[string]string `json:"params,omitempty"`
}

type varEntry struct {
	Regex  string            `json:"regex"`
	Route  string            `json:"route"`
	Params map[string]string `json:"params,omitempty"`
	// Vars maps group names (d1, d2...) to placeholder names.
	Vars map[string]string `json:"vars"`

	re *regexp.Regexp
}

type table struct {
	Static map[string]staticEntry `json:"static"`
	Var    []varEntry             `json:"var"`
}

type Router struct {
	rules  []Rule
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	table *table
}

type Option func(*Router)

// WithCache stores the compiled table in c.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(r *Router) {
		r.cache = c
		r.ttl = ttl
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(rules []Rule, opts ...Option) *Router {
	r := &Router{
		rules:  rules,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the route and params for path. Caller params win over rule
// params and captured values. A path no rule matches is its own route.
func (r *Router) Resolve(ctx context.Context, path string, params map[string]string) (string, map[string]string, error) {
	out := maps.Clone(params)
	if out == nil {
		out = make(map[string]string)
	}
	if len(r.rules) == 0 {
		return path, out, nil
	}
	t, err := r.prepare(ctx)
	if err != nil {
		return "", nil, err
	}

	key := strings.TrimPrefix(path, "/")
	if e, ok := t.Static[key]; ok {
		merge(out, e.Params)
		return e.Route, out, nil
	}
	for _, e := range t.Var {
		m := e.re.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		captured := maps.Clone(e.Params)
		if captured == nil {
			captured = make(map[string]string)
		}
		pairs := make([]string, 0, 2*len(e.Vars))
		for group, name := range e.Vars {
			v := m[e.re.SubexpIndex(group)]
			pairs = append(pairs, "{"+name+"}", v)
			captured[name] = v
		}
		merge(out, captured)
		return strings.NewReplacer(pairs...).Replace(e.Route), out, nil
	}
	return path, out, nil
}

func merge(dst, src map[string]string) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

func (r *Router) prepare(ctx context.Context) (*table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.table != nil {
		return r.table, nil
	}

	key := r.cacheKey()
	if r.cache != nil {
		if t, err := r.load(ctx, key); err == nil {
			r.table = t
			return t, nil
		} else if err != cache.ErrMiss {
			r.logger.Warn("router: cached rules unusable", "key", key, "error", err)
		}
	}

	t, err := compile(r.rules)
	if err != nil {
		return nil, err
	}
	r.table = t

	if r.cache != nil {
		if b, err := json.Marshal(t); err == nil {
			if err := r.cache.Set(ctx, key, b, r.ttl); err != nil {
				r.logger.Warn("router: cache rules", "key", key, "error", err)
			}
		}
	}
	return t, nil
}

func (r *Router) load(ctx context.Context, key string) (*table, error) {
	b, err := r.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var t table
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	for i := range t.Var {
		re, err := regexp.Compile(t.Var[i].Regex)
		if err != nil {
			return nil, err
		}
		t.Var[i].re = re
	}
	return &t, nil
}

// cacheKey identifies the rule set, so edited rules never hit a stale table.
func (r *Router) cacheKey() string {
	b, _ := json.Marshal(r.rules)
	return "router:" + strconv.FormatUint(xxhash.Sum64(b), 16)
}

func compile(rules []Rule) (*table, error) {
	t := &table{Static: make(map[string]staticEntry)}
	seen := make(map[string]int)
	for _, rule := range rules {
		pattern := strings.TrimPrefix(rule.Pattern, "/")
		matches := placeholder.FindAllStringSubmatchIndex(pattern, -1)
		if len(matches) == 0 {
			t.Static[pattern] = staticEntry{Route: rule.Route, Params: rule.Params}
			continue
		}

		var sb strings.Builder
		sb.WriteString("^")
		vars := make(map[string]string, len(matches))
		offset := 0
		for i, m := range matches {
			sb.WriteString(regexp.QuoteMeta(pattern[offset:m[0]]))
			group := "d" + strconv.Itoa(i+1)
			vars[group] = pattern[m[2]:m[3]]
			expr := defaultVarRegex
			if m[4] >= 0 {
				expr = pattern[m[4]:m[5]]
			}
			fmt.Fprintf(&sb, "(?P<%s>%s)", group, expr)
			offset = m[1]
		}
		sb.WriteString(regexp.QuoteMeta(pattern[offset:]))
		sb.WriteString("$")

		re, err := regexp.Compile(sb.String())
		if err != nil {
			return nil, errors.ConfigError(fmt.Errorf("router: rule %q: %w", rule.Pattern, err))
		}
		e := varEntry{Regex: sb.String(), Route: rule.Route, Params: rule.Params, Vars: vars, re: re}
		// A repeated pattern replaces the earlier rule in place.
		if i, ok := seen[e.Regex]; ok {
			t.Var[i] = e
			continue
		}
		seen[e.Regex] = len(t.Var)
		t.Var = append(t.Var, e)
	}
	return t, nil
}
