package dot

import (
	"fmt"
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenString
	tokenSymbol
)

type token struct {
	typ tokenType
	lit string
	pos int
}

// stripComments removes //, # line comments and /* */ block comments while
// leaving quoted strings untouched.
func stripComments(src []byte) ([]byte, error) {
	var out strings.Builder
	s := string(src)
	i := 0
	for i < len(s) {
		ch := s[i]
		switch {
		case ch == '"':
			// Copy the quoted string verbatim, honoring escapes.
			out.WriteByte(ch)
			i++
			for i < len(s) {
				c := s[i]
				out.WriteByte(c)
				i++
				if c == '\\' && i < len(s) {
					out.WriteByte(s[i])
					i++
					continue
				}
				if c == '"' {
					break
				}
			}
		case ch == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case ch == '#':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case ch == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("dot lex: unterminated block comment at %d", i)
			}
			// Preserve newlines so token positions stay meaningful.
			for _, r := range s[i : i+2+end+2] {
				if r == '\n' {
					out.WriteByte('\n')
				}
			}
			i += 2 + end + 2
		default:
			out.WriteByte(ch)
			i++
		}
	}
	return []byte(out.String()), nil
}

type lexer struct {
	s string
	i int
}

func newLexer(src []byte) *lexer {
	return &lexer{s: string(src)}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.i >= len(l.s) {
		return token{typ: tokenEOF, pos: l.i}, nil
	}
	pos := l.i
	ch := l.s[l.i]

	if ch == '"' {
		lit, err := l.lexString()
		if err != nil {
			return token{}, err
		}
		return token{typ: tokenString, lit: lit, pos: pos}, nil
	}

	if ch == '-' && l.i+1 < len(l.s) && l.s[l.i+1] == '>' {
		l.i += 2
		return token{typ: tokenSymbol, lit: "->", pos: pos}, nil
	}

	switch ch {
	case '{', '}', '[', ']', '=', ';', ',', '-', '.', ':', '/', '*':
		l.i++
		return token{typ: tokenSymbol, lit: string(ch), pos: pos}, nil
	}

	if isIdentChar(ch) {
		start := l.i
		for l.i < len(l.s) && isIdentChar(l.s[l.i]) {
			l.i++
		}
		return token{typ: tokenIdent, lit: l.s[start:l.i], pos: pos}, nil
	}

	return token{}, fmt.Errorf("dot lex: unexpected character %q at %d", ch, pos)
}

func (l *lexer) lexString() (string, error) {
	// Opening quote already seen by the caller.
	l.i++
	var b strings.Builder
	for l.i < len(l.s) {
		ch := l.s[l.i]
		l.i++
		switch ch {
		case '"':
			return b.String(), nil
		case '\\':
			if l.i >= len(l.s) {
				return "", fmt.Errorf("dot lex: unterminated escape at %d", l.i)
			}
			esc := l.s[l.i]
			l.i++
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(ch)
		}
	}
	return "", fmt.Errorf("dot lex: unterminated string")
}

func (l *lexer) skipSpace() {
	for l.i < len(l.s) {
		switch l.s[l.i] {
		case ' ', '\t', '\r', '\n':
			l.i++
		default:
			return
		}
	}
}

func isIdentChar(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}
