package datamodel

import (
	"fmt"
	"strings"
)

// Pointer addresses a value inside a Data tree (RFC 6901 tokens).
type Pointer []string

var (
	pointerEscaper   = strings.NewReplacer("~", "~0", "/", "~1")
	pointerUnescaper = strings.NewReplacer("~1", "/", "~0", "~")
)

// String renders the pointer as "/a/0/b"; the root pointer renders as "".
func (p Pointer) String() string {
	var b strings.Builder
	for _, tok := range p {
		b.WriteByte('/')
		b.WriteString(pointerEscaper.Replace(tok))
	}
	return b.String()
}

// ParsePointer parses the string form produced by Pointer.String.
func ParsePointer(s string) (Pointer, error) {
	if s == "" {
		return Pointer{}, nil
	}
	if !strings.HasPrefix(s, "/") {
		return nil, fmt.Errorf("parse pointer %q: must start with /", s)
	}
	parts := strings.Split(s[1:], "/")
	p := make(Pointer, len(parts))
	for i, part := range parts {
		p[i] = pointerUnescaper.Replace(part)
	}
	return p, nil
}

func (p Pointer) child(tok string) Pointer {
	out := make(Pointer, len(p), len(p)+1)
	copy(out, p)
	return append(out, tok)
}
