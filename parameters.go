package sketch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParameterEntry is one extensible request parameter. A non-empty CacheKey
// makes the entry part of the cache key; a non-empty RequestKey makes it part
// of the request key.
type ParameterEntry struct {
	Value      any
	CacheKey   string
	RequestKey string
}

// Parameters is an immutable set of named entries. The zero value and nil
// are empty.
type Parameters struct {
	entries map[string]ParameterEntry
}

// NewParameters copies entries into a new Parameters.
func NewParameters(entries map[string]ParameterEntry) *Parameters {
	p := &Parameters{entries: make(map[string]ParameterEntry, len(entries))}
	for k, v := range entries {
		p.entries[k] = v
	}
	return p
}

// Param builds an entry whose value also serves as cache and request key.
func Param(value any) ParameterEntry {
	key := ""
	if value != nil {
		key = fmt.Sprint(value)
	}
	return ParameterEntry{Value: value, CacheKey: key, RequestKey: key}
}

// With returns a copy of p with key set to e.
func (p *Parameters) With(key string, e ParameterEntry) *Parameters {
	out := NewParameters(p.all())
	out.entries[key] = e
	return out
}

// Entry returns the entry for key.
func (p *Parameters) Entry(key string) (ParameterEntry, bool) {
	if p == nil {
		return ParameterEntry{}, false
	}
	e, ok := p.entries[key]
	return e, ok
}

// Value returns the value for key, or nil.
func (p *Parameters) Value(key string) any {
	e, _ := p.Entry(key)
	return e.Value
}

// Len returns the number of entries.
func (p *Parameters) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// Keys returns the entry names in sorted order.
func (p *Parameters) Keys() []string {
	keys := make([]string, 0, p.Len())
	for k := range p.all() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns the union of p and other. Entries of p win.
func (p *Parameters) Merge(other *Parameters) *Parameters {
	if p == nil || other == nil {
		if p == nil {
			return other
		}
		return p
	}
	out := NewParameters(other.entries)
	for k, v := range p.entries {
		out.entries[k] = v
	}
	return out
}

// CacheKey renders the cache-key contributing entries, or "" when there are
// none.
func (p *Parameters) CacheKey() string {
	return p.render(func(e ParameterEntry) string { return e.CacheKey })
}

// RequestKey renders the request-key contributing entries, or "" when there
// are none.
func (p *Parameters) RequestKey() string {
	return p.render(func(e ParameterEntry) string { return e.RequestKey })
}

func (p *Parameters) render(pick func(ParameterEntry) string) string {
	var parts []string
	for k, e := range p.all() {
		if v := pick(e); v != "" {
			parts = append(parts, keyToken(k)+":"+keyToken(v))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	sort.Strings(parts)
	return "Parameters(" + strings.Join(parts, ",") + ")"
}

// keyToken quotes s when it contains a character that delimits entries.
func keyToken(s string) string {
	if strings.ContainsAny(s, `:,()"\`) {
		return strconv.Quote(s)
	}
	return s
}

func (p *Parameters) all() map[string]ParameterEntry {
	if p == nil {
		return nil
	}
	return p.entries
}
