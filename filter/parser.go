package filter

import (
	"fmt"
	"strings"
)

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d in %q", ErrInvalidFilter, fmt.Sprintf(format, args...), p.pos, p.src)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n' || p.src[p.pos] == '\r') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		if p.pos >= len(p.src) {
			return p.errorf("expected %q, got end of input", c)
		}
		return p.errorf("expected %q, got %q", c, p.src[p.pos])
	}
	p.pos++
	return nil
}

func (p *parser) parseFilter() (*Filter, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()

	var (
		f   *Filter
		err error
	)
	switch p.peek() {
	case '&':
		p.pos++
		f, err = p.parseList(opAnd)
	case '|':
		p.pos++
		f, err = p.parseList(opOr)
	case '!':
		p.pos++
		var child *Filter
		child, err = p.parseFilter()
		if err == nil {
			f = &Filter{op: opNot, children: []*Filter{child}}
		}
	default:
		f, err = p.parseItem()
	}
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *parser) parseList(op operator) (*Filter, error) {
	f := &Filter{op: op}
	for {
		p.skipSpace()
		if p.peek() != '(' {
			break
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		f.children = append(f.children, child)
	}
	if len(f.children) == 0 {
		return nil, p.errorf("empty filter list")
	}
	return f, nil
}

func (p *parser) parseItem() (*Filter, error) {
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune("=<>~()", rune(p.src[p.pos])) {
		p.pos++
	}
	attr := strings.TrimSpace(p.src[start:p.pos])
	if attr == "" {
		return nil, p.errorf("missing attribute name")
	}

	var op operator
	switch {
	case strings.HasPrefix(p.src[p.pos:], "~="):
		op, p.pos = opApprox, p.pos+2
	case strings.HasPrefix(p.src[p.pos:], ">="):
		op, p.pos = opGreaterEqual, p.pos+2
	case strings.HasPrefix(p.src[p.pos:], "<="):
		op, p.pos = opLessEqual, p.pos+2
	case p.peek() == '=':
		op, p.pos = opEqual, p.pos+1
	default:
		return nil, p.errorf("invalid operator after attribute %q", attr)
	}

	parts, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	if op != opEqual {
		if len(parts) > 1 {
			return nil, p.errorf("wildcard not allowed with this operator")
		}
		return &Filter{op: op, attr: attr, value: parts[0]}, nil
	}
	switch {
	case len(parts) == 1:
		return &Filter{op: opEqual, attr: attr, value: parts[0]}, nil
	case len(parts) == 2 && parts[0] == "" && parts[1] == "":
		return &Filter{op: opPresent, attr: attr}, nil
	default:
		return &Filter{op: opSubstring, attr: attr, parts: parts}, nil
	}
}

// parseValue reads an assertion value up to the closing parenthesis and
// splits it on unescaped '*' characters.
func (p *parser) parseValue() ([]string, error) {
	var (
		parts []string
		cur   strings.Builder
	)
	for {
		if p.pos >= len(p.src) {
			return nil, p.errorf("unterminated value")
		}
		c := p.src[p.pos]
		switch c {
		case ')':
			return append(parts, cur.String()), nil
		case '(':
			return nil, p.errorf("unescaped '(' in value")
		case '*':
			parts = append(parts, cur.String())
			cur.Reset()
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return nil, p.errorf("dangling escape")
			}
			cur.WriteByte(p.src[p.pos])
		default:
			cur.WriteByte(c)
		}
		p.pos++
	}
}
