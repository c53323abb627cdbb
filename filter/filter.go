// Package filter implements the LDAP-style filter language (RFC 1960) used to
// select services and configurations by their properties.
//
// A filter is a parenthesised prefix expression:
//
//	(&(objectClass=com.acme.Greeter)(|(lang=en*)(!(service.ranking<=0))))
//
// Attribute names are matched case-insensitively. A multi-valued property
// matches when any of its elements matches.
package filter

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/golobby/cast"
)

type operator int

const (
	opAnd operator = iota
	opOr
	opNot
	opEqual
	opApprox
	opGreaterEqual
	opLessEqual
	opPresent
	opSubstring
)

// Filter is a parsed, immutable filter expression. The zero value is not
// usable; obtain filters from Parse, MustParse or And.
type Filter struct {
	op       operator
	attr     string
	value    string
	parts    []string
	children []*Filter
}

// Parse parses the textual form of a filter.
func Parse(s string) (*Filter, error) {
	p := &parser{src: s}
	f, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing input %q", p.src[p.pos:])
	}
	return f, nil
}

// MustParse is like Parse but panics on error. Intended for constants.
func MustParse(s string) *Filter {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Equal returns a filter matching attr exactly equal to value.
func Equal(attr, value string) *Filter {
	return &Filter{op: opEqual, attr: attr, value: value}
}

// And combines filters with a logical conjunction. Nil filters are skipped;
// a single remaining filter is returned unchanged.
func And(filters ...*Filter) *Filter {
	children := make([]*Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			children = append(children, f)
		}
	}
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	}
	return &Filter{op: opAnd, children: children}
}

// Match reports whether the properties satisfy the filter. A nil filter
// matches everything.
func (f *Filter) Match(props map[string]any) bool {
	if f == nil {
		return true
	}
	switch f.op {
	case opAnd:
		for _, c := range f.children {
			if !c.Match(props) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range f.children {
			if c.Match(props) {
				return true
			}
		}
		return false
	case opNot:
		return !f.children[0].Match(props)
	}

	v, ok := lookup(props, f.attr)
	if !ok {
		return false
	}
	if f.op == opPresent {
		return true
	}
	return f.matchValue(v)
}

// String renders the filter in canonical textual form.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	var b strings.Builder
	f.write(&b)
	return b.String()
}

func (f *Filter) write(b *strings.Builder) {
	b.WriteByte('(')
	switch f.op {
	case opAnd, opOr, opNot:
		b.WriteByte("&|!"[f.op])
		for _, c := range f.children {
			c.write(b)
		}
	case opPresent:
		b.WriteString(f.attr)
		b.WriteString("=*")
	case opSubstring:
		b.WriteString(f.attr)
		b.WriteByte('=')
		for i, part := range f.parts {
			if i > 0 {
				b.WriteByte('*')
			}
			b.WriteString(escape(part))
		}
	default:
		b.WriteString(f.attr)
		b.WriteString([...]string{opEqual: "=", opApprox: "~=", opGreaterEqual: ">=", opLessEqual: "<="}[f.op])
		b.WriteString(escape(f.value))
	}
	b.WriteByte(')')
}

func lookup(props map[string]any, attr string) (any, bool) {
	if v, ok := props[attr]; ok {
		return v, true
	}
	for k, v := range props {
		if strings.EqualFold(k, attr) {
			return v, true
		}
	}
	return nil, false
}

func (f *Filter) matchValue(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if f.matchValue(rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	}

	if f.op == opSubstring {
		return matchSubstring(fmt.Sprint(v), f.parts)
	}

	switch rv.Kind() {
	case reflect.String:
		return compareStrings(f.op, rv.String(), f.value)
	case reflect.Bool:
		if f.op != opEqual && f.op != opApprox {
			return false
		}
		b, err := cast.FromType(strings.TrimSpace(f.value), rv.Type())
		return err == nil && b.(bool) == rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		other, ok := coerce(f.value, rv.Type())
		if !ok {
			return false
		}
		return compareOrdered(f.op, rv.Int(), other.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		other, ok := coerce(f.value, rv.Type())
		if !ok {
			return false
		}
		return compareOrdered(f.op, rv.Uint(), other.Uint())
	case reflect.Float32, reflect.Float64:
		other, ok := coerce(f.value, rv.Type())
		if !ok {
			return false
		}
		return compareOrdered(f.op, rv.Float(), other.Float())
	}
	return compareStrings(f.op, fmt.Sprint(v), f.value)
}

func coerce(s string, t reflect.Type) (reflect.Value, bool) {
	converted, err := cast.FromType(strings.TrimSpace(s), t)
	if err != nil {
		return reflect.Value{}, false
	}
	return reflect.ValueOf(converted), true
}

func compareOrdered[T int64 | uint64 | float64](op operator, a, b T) bool {
	switch op {
	case opEqual, opApprox:
		return a == b
	case opGreaterEqual:
		return a >= b
	case opLessEqual:
		return a <= b
	}
	return false
}

func compareStrings(op operator, a, b string) bool {
	switch op {
	case opEqual:
		return a == b
	case opApprox:
		return normalizeApprox(a) == normalizeApprox(b)
	case opGreaterEqual:
		return a >= b
	case opLessEqual:
		return a <= b
	}
	return false
}

func normalizeApprox(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func matchSubstring(s string, parts []string) bool {
	last := len(parts) - 1
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, mid := range parts[1:last] {
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return strings.HasSuffix(s, parts[last])
}

func escape(s string) string {
	if !strings.ContainsAny(s, `()*\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if r == '(' || r == ')' || r == '*' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
