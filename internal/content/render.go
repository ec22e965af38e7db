package content

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vnihit/ontask2-UNSW/internal/rules"
)

var attributeRe = regexp.MustCompile(`<attribute>(.*?)</attribute>`)

// member identifies a primary key by its dynamic type and printed value, so
// 1 and "1" stay distinct
type member struct {
	kind  string
	value string
}

func memberOf(key any) member {
	return member{kind: fmt.Sprintf("%T", key), value: fmt.Sprint(key)}
}

// Set is a set of primary key values
type Set map[member]struct{}

// NewSet returns a set holding keys
func NewSet(keys ...any) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Has reports whether key is in the set
func (s Set) Has(key any) bool {
	_, ok := s[memberOf(key)]
	return ok
}

// Add inserts key into the set
func (s Set) Add(key any) {
	s[memberOf(key)] = struct{}{}
}

// Membership maps a condition name to the primary keys of the records passing it
type Membership map[string]Set

// ReferencedConditions returns the distinct condition names named by condition
// blocks, in first-seen order.
func ReferencedConditions(t *Template) []string {
	var names []string
	seen := make(map[string]bool)
	for _, b := range t.Blocks() {
		if b.Type != BlockCondition || seen[b.Data.Name] {
			continue
		}
		seen[b.Data.Name] = true
		names = append(names, b.Data.Name)
	}
	return names
}

// BuildMembership evaluates only the named conditions over records.
// Conditions missing from defined produce an empty set.
func BuildMembership(records []rules.Record, primaryKey string, names []string, defined map[string]rules.Condition) Membership {
	m := make(Membership, len(names))
	for _, name := range names {
		set := make(Set)
		if cond, ok := defined[name]; ok {
			for _, r := range records {
				if rules.EvaluateCondition(r, cond) {
					set.Add(r[primaryKey])
				}
			}
		}
		m[name] = set
	}
	return m
}

// Render produces the personalised output of t for record. Condition blocks
// are included only when record's primary key is a member of the named
// condition. Fragments beyond the end of either list are ignored.
func Render(t *Template, record rules.Record, primaryKey string, membership Membership) string {
	if t == nil {
		return ""
	}

	var b strings.Builder
	nodes := t.Blocks()
	for i, fragment := range t.HTML {
		if i < len(nodes) && nodes[i].Type == BlockCondition {
			set := membership[nodes[i].Data.Name]
			key, ok := record[primaryKey]
			if !ok || set == nil || !set.Has(key) {
				continue
			}
		}
		b.WriteString(Substitute(fragment, record))
	}
	return b.String()
}

// Substitute replaces every <attribute>field</attribute> with the record's
// value for field, or with nothing when the field is absent or null.
func Substitute(fragment string, record rules.Record) string {
	return attributeRe.ReplaceAllStringFunc(fragment, func(m string) string {
		field := attributeRe.FindStringSubmatch(m)[1]
		v, ok := record[field]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// Populate renders t for every record. Only conditions referenced by t are
// evaluated, and only over the given records.
func Populate(t *Template, records []rules.Record, primaryKey string, defined map[string]rules.Condition) []string {
	membership := BuildMembership(records, primaryKey, ReferencedConditions(t), defined)

	out := make([]string, len(records))
	for i, r := range records {
		out[i] = Render(t, r, primaryKey, membership)
	}
	return out
}
