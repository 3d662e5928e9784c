// Package vdf reads the text KeyValues format used by Steam's per-user
// configuration files and supports minimal in-place edits. Parsed nodes keep
// byte spans into the source so that everything not edited is preserved
// exactly.
package vdf

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSyntax is wrapped by every parse error.
var ErrSyntax = errors.New("vdf syntax error")

// Span is a half-open byte range of the source.
type Span struct{ Start, End int }

// Node is a key with either a string value or a list of children.
// ValueSpan covers the value token including its quotes; Open and Close
// are the offsets of the braces of an object.
type Node struct {
	Key         string
	KeySpan     Span
	Value       string
	ValueSpan   Span
	IsObject    bool
	Children    []*Node
	Open, Close int
	Depth       int
}

// Child returns the first child whose key matches, ignoring case.
func (n *Node) Child(key string) *Node {
	for _, c := range n.Children {
		if strings.EqualFold(c.Key, key) {
			return c
		}
	}
	return nil
}

// Lookup follows path from n.
func (n *Node) Lookup(path ...string) *Node {
	cur := n
	for _, k := range path {
		if cur == nil || !cur.IsObject {
			return nil
		}
		cur = cur.Child(k)
	}
	return cur
}

type parser struct {
	src []byte
	pos int
}

type token struct {
	kind  byte // '"' quoted, 'w' bare word, '{', '}', 0 end
	text  string
	start int
	end   int
}

// Parse reads a document. The returned root is an object without a key
// whose children are the top-level entries.
func Parse(src []byte) (*Node, error) {
	p := &parser{src: src}
	root := &Node{IsObject: true, Open: -1, Close: len(src), Depth: -1}
	if err := p.parseChildren(root, true); err != nil {
		return nil, err
	}
	return root, nil
}

func (p *parser) errorf(format string, args ...any) error {
	line := 1 + strings.Count(string(p.src[:min(p.pos, len(p.src))]), "\n")
	return fmt.Errorf("%w: line %d: %s", ErrSyntax, line, fmt.Sprintf(format, args...))
}

func (p *parser) parseChildren(parent *Node, top bool) error {
	for {
		tok, err := p.next()
		if err != nil {
			return err
		}
		switch tok.kind {
		case 0:
			if !top {
				return p.errorf("unexpected end of input")
			}
			return nil
		case '}':
			if top {
				return p.errorf("unexpected '}'")
			}
			parent.Close = tok.start
			return nil
		case '{':
			return p.errorf("unexpected '{'")
		}

		n := &Node{Key: tok.text, KeySpan: Span{tok.start, tok.end}, Depth: parent.Depth + 1}
		val, err := p.next()
		if err != nil {
			return err
		}
		switch val.kind {
		case '{':
			n.IsObject = true
			n.Open = val.start
			if err := p.parseChildren(n, false); err != nil {
				return err
			}
		case '"', 'w':
			n.Value = val.text
			n.ValueSpan = Span{val.start, val.end}
		default:
			return p.errorf("missing value for %q", n.Key)
		}
		p.skipConditional()
		parent.Children = append(parent.Children, n)
	}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			p.pos++
		case c == '/' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '/':
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.pos++
			}
		default:
			return
		}
	}
}

// skipConditional drops a trailing platform conditional such as [$WIN32].
func (p *parser) skipConditional() {
	save := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
	if p.pos < len(p.src) && p.src[p.pos] == '[' {
		if end := strings.IndexByte(string(p.src[p.pos:]), ']'); end >= 0 {
			p.pos += end + 1
			return
		}
	}
	p.pos = save
}

func (p *parser) next() (token, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return token{start: p.pos, end: p.pos}, nil
	}
	start := p.pos
	switch c := p.src[p.pos]; c {
	case '{', '}':
		p.pos++
		return token{kind: c, start: start, end: p.pos}, nil
	case '"':
		p.pos++
		var b strings.Builder
		for p.pos < len(p.src) {
			c := p.src[p.pos]
			switch c {
			case '"':
				p.pos++
				return token{kind: '"', text: b.String(), start: start, end: p.pos}, nil
			case '\\':
				if p.pos+1 < len(p.src) {
					p.pos++
					switch e := p.src[p.pos]; e {
					case 'n':
						b.WriteByte('\n')
					case 't':
						b.WriteByte('\t')
					case '\\', '"':
						b.WriteByte(e)
					default:
						b.WriteByte('\\')
						b.WriteByte(e)
					}
					p.pos++
					continue
				}
			}
			b.WriteByte(c)
			p.pos++
		}
		return token{}, p.errorf("unterminated string")
	default:
		for p.pos < len(p.src) {
			c := p.src[p.pos]
			if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '{' || c == '}' || c == '"' {
				break
			}
			p.pos++
		}
		return token{kind: 'w', text: string(p.src[start:p.pos]), start: start, end: p.pos}, nil
	}
}

// Quote renders s as a quoted token.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}

// SetValue returns src with the value of n replaced by value.
func SetValue(src []byte, n *Node, value string) ([]byte, error) {
	if n.IsObject {
		return nil, fmt.Errorf("cannot set value of object %q", n.Key)
	}
	return splice(src, n.ValueSpan.Start, n.ValueSpan.End, Quote(value)), nil
}

// InsertValue returns src with key = value added as the last entry of obj,
// indented with tabs to match its depth.
func InsertValue(src []byte, obj *Node, key, value string) ([]byte, error) {
	if !obj.IsObject || obj.Close < 0 || obj.Close > len(src) {
		return nil, fmt.Errorf("cannot insert into %q: not an object", obj.Key)
	}
	lineStart := obj.Close
	for lineStart > 0 && (src[lineStart-1] == ' ' || src[lineStart-1] == '\t') {
		lineStart--
	}
	entry := strings.Repeat("\t", obj.Depth+1) + Quote(key) + "\t\t" + Quote(value) + "\n"
	if lineStart > 0 && src[lineStart-1] != '\n' {
		entry = "\n" + entry
	}
	return splice(src, lineStart, lineStart, entry), nil
}

func splice(src []byte, start, end int, text string) []byte {
	out := make([]byte, 0, len(src)-(end-start)+len(text))
	out = append(out, src[:start]...)
	out = append(out, text...)
	return append(out, src[end:]...)
}
