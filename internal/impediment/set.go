// Package impediment models the conditions that block synchronization
// and watches the host for them.
package impediment

import (
	"sort"
	"strings"
)

// Impediment is a condition that blocks synchronization.
type Impediment string

// Known impediments. Hosts may define their own.
const (
	NoNetwork  Impediment = "no_network"
	LowStorage Impediment = "low_storage"
	Paused     Impediment = "paused"
)

// Set is an immutable set of impediments. The zero value is empty.
type Set struct {
	m map[Impediment]struct{}
}

// NewSet returns a set holding items.
func NewSet(items ...Impediment) Set {
	if len(items) == 0 {
		return Set{}
	}
	m := make(map[Impediment]struct{}, len(items))
	for _, i := range items {
		m[i] = struct{}{}
	}
	return Set{m: m}
}

// Empty reports whether no impediment is present.
func (s Set) Empty() bool { return len(s.m) == 0 }

// Len returns the number of impediments.
func (s Set) Len() int { return len(s.m) }

// Has reports whether i is present.
func (s Set) Has(i Impediment) bool {
	_, ok := s.m[i]
	return ok
}

// Items returns the impediments in sorted order.
func (s Set) Items() []Impediment {
	out := make([]Impediment, 0, len(s.m))
	for i := range s.m {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// With returns a copy of s including i.
func (s Set) With(i Impediment) Set {
	if s.Has(i) {
		return s
	}
	return NewSet(append(s.Items(), i)...)
}

// Without returns a copy of s excluding i.
func (s Set) Without(i Impediment) Set {
	if !s.Has(i) {
		return s
	}
	items := make([]Impediment, 0, len(s.m)-1)
	for _, it := range s.Items() {
		if it != i {
			items = append(items, it)
		}
	}
	return NewSet(items...)
}

// Union returns the impediments present in s or o.
func (s Set) Union(o Set) Set {
	return NewSet(append(s.Items(), o.Items()...)...)
}

// Equal reports whether s and o hold the same impediments.
func (s Set) Equal(o Set) bool {
	if len(s.m) != len(o.m) {
		return false
	}
	for i := range s.m {
		if !o.Has(i) {
			return false
		}
	}
	return true
}

func (s Set) String() string {
	items := s.Items()
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = string(it)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
