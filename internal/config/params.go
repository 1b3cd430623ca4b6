package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Params holds resolved plugin parameter values. It is immutable once built.
type Params struct {
	values map[string]any
	secret map[string]bool
}

// NewParams builds a Params set without secrets, mostly for tests.
func NewParams(values map[string]any) Params {
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Params{values: cp}
}

// Has reports whether name has a value.
func (p Params) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// Require returns an error naming every missing parameter.
func (p Params) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		v, ok := p.values[n]
		if !ok || v == nil || cast.ToString(v) == "" {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters: %v", missing)
	}
	return nil
}

func (p Params) String(name, def string) string {
	if v, ok := p.values[name]; ok {
		if s, err := cast.ToStringE(v); err == nil {
			return s
		}
	}
	return def
}

func (p Params) Bool(name string, def bool) bool {
	if v, ok := p.values[name]; ok {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return def
}

func (p Params) Int(name string, def int) int {
	if v, ok := p.values[name]; ok {
		if i, err := cast.ToIntE(v); err == nil {
			return i
		}
	}
	return def
}

// Duration accepts Go duration strings or plain numbers of seconds.
func (p Params) Duration(name string, def time.Duration) time.Duration {
	v, ok := p.values[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		if f, err := cast.ToFloat64E(n); err == nil {
			return seconds(f)
		}
		return def
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return seconds(f)
		}
	}
	if d, err := cast.ToDurationE(v); err == nil {
		return d
	}
	return def
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// IntMap reads a mapping such as {"decoded_strings": 10}.
func (p Params) IntMap(name string) map[string]int {
	out := map[string]int{}
	v, ok := p.values[name]
	if !ok {
		return out
	}
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return out
	}
	for k, raw := range m {
		if i, err := cast.ToIntE(raw); err == nil {
			out[k] = i
		}
	}
	return out
}

// BoolMap reads a mapping such as {"decoded_strings": true}.
func (p Params) BoolMap(name string) map[string]bool {
	out := map[string]bool{}
	v, ok := p.values[name]
	if !ok {
		return out
	}
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return out
	}
	for k, raw := range m {
		if b, err := cast.ToBoolE(raw); err == nil {
			out[k] = b
		}
	}
	return out
}

// Redacted returns a copy of the values with secrets masked, for display.
func (p Params) Redacted() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		if p.secret[k] {
			out[k] = "********"
			continue
		}
		out[k] = v
	}
	return out
}

// Names lists parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p.values))
	for k := range p.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
