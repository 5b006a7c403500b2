package cache

import (
	"fmt"
	"sort"
	"strings"
)

// AllFields marks an entry whose every field was fetched at once.
const AllFields = "*"

// Key identifies a resource. Platform is always part of the key so the same
// id on two platforms never shares an entry. Identity is filled in by the
// Cache from its identity scope and separates the entries of two principals
// that used the same platform name.
type Key struct {
	Platform string
	Identity string
	Kind     string
	ID       string
}

func (k Key) String() string {
	if k.Identity == "" {
		return fmt.Sprintf("%s/%s/%s", k.Platform, k.Kind, k.ID)
	}
	return fmt.Sprintf("%s[%s]/%s/%s", k.Platform, k.Identity, k.Kind, k.ID)
}

func (k Key) partition() string {
	return k.Platform + "/" + k.Kind
}

// Entry is the cached state of one resource.
type Entry struct {
	Value   map[string]any
	Known   map[string]struct{}
	Version int64
}

func newEntry() *Entry {
	return &Entry{
		Value: map[string]any{},
		Known: map[string]struct{}{},
	}
}

// Complete reports whether a full fetch populated the entry.
func (e *Entry) Complete() bool {
	_, ok := e.Known[AllFields]
	return ok
}

// Missing returns the requested fields that are not known yet. A nil fields
// slice asks for every field.
//
// A sub-field selector such as "owners(emailAddress)" is known only when that
// exact selector was fetched or the bare field was. When any selector of a
// field is missing, every requested selector of that field is returned so the
// fetched value covers all of them.
func (e *Entry) Missing(fields []string) []string {
	if e.Complete() {
		return []string{}
	}
	if fields == nil {
		return nil
	}
	stale := map[string]bool{}
	for _, f := range fields {
		if !e.knows(f) {
			stale[fieldName(f)] = true
		}
	}
	missing := []string{}
	for _, f := range fields {
		if stale[fieldName(f)] {
			missing = append(missing, f)
		}
	}
	return missing
}

func (e *Entry) knows(f string) bool {
	if _, ok := e.Known[f]; ok {
		return true
	}
	_, ok := e.Known[fieldName(f)]
	return ok
}

// forget drops every known selector of the top-level field name.
func (e *Entry) forget(name string) {
	for k := range e.Known {
		if fieldName(k) == name {
			delete(e.Known, k)
		}
	}
}

// Project returns a copy of the requested fields. Fields that are known but
// absent from the resource are omitted.
func (e *Entry) Project(fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	if fields == nil {
		for k, v := range e.Value {
			out[k] = v
		}
		return out
	}
	for _, f := range fields {
		name := fieldName(f)
		if v, ok := e.Value[name]; ok {
			out[name] = v
		}
	}
	return out
}

// KnownFields returns the known field names in sorted order.
func (e *Entry) KnownFields() []string {
	out := make([]string, 0, len(e.Known))
	for k := range e.Known {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *Entry) merge(fields []string, values map[string]any) {
	if fields == nil {
		e.Known[AllFields] = struct{}{}
	}

	// A value fetched through sub-field selectors replaces the stored value,
	// so selectors known from an earlier partial fetch no longer hold.
	partial := map[string]bool{}
	for _, f := range fields {
		if name := fieldName(f); name != f {
			partial[name] = true
		}
	}
	for name := range partial {
		e.forget(name)
	}

	for _, f := range fields {
		e.Known[f] = struct{}{}
	}
	for k, v := range values {
		e.Value[k] = v
		if !partial[k] {
			e.Known[k] = struct{}{}
		}
	}
	e.Version++
}

func (e *Entry) clone() *Entry {
	c := &Entry{
		Value:   make(map[string]any, len(e.Value)),
		Known:   make(map[string]struct{}, len(e.Known)),
		Version: e.Version,
	}
	for k, v := range e.Value {
		c.Value[k] = v
	}
	for k := range e.Known {
		c.Known[k] = struct{}{}
	}
	return c
}

// fieldName reduces a field selector such as "owners(emailAddress)" or
// "capabilities/canEdit" to its top-level field.
func fieldName(f string) string {
	if i := strings.IndexAny(f, "(/"); i >= 0 {
		return f[:i]
	}
	return f
}

// NormalizeFields trims, de-duplicates and sorts a field list. nil stays nil
// and "*" anywhere in the list means all fields.
func NormalizeFields(fields []string) []string {
	if fields == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if f == AllFields {
			return nil
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
