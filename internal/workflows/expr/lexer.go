package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenString
	tokenIdent
	tokenPunct
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// two-character operators, checked before single characters
var doublePunct = []string{"==", "!=", "<=", ">=", "&&", "||", "=>"}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]

		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}

		if c >= '0' && c <= '9' {
			start := i
			for i < len(src) && src[i] >= '0' && src[i] <= '9' {
				i++
			}
			if i < len(src) && src[i] == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9' {
				i++
				for i < len(src) && src[i] >= '0' && src[i] <= '9' {
					i++
				}
			}
			text := src[start:i]
			num, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q at offset %d", text, start)
			}
			toks = append(toks, token{kind: tokenNumber, text: text, num: num, pos: start})
			continue
		}

		if c == '\'' || c == '"' {
			start := i
			text, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokenString, text: text, pos: start})
			i = next
			continue
		}

		if isIdentStart(rune(c)) || c >= utf8.RuneSelf {
			start := i
			for i < len(src) {
				r, size := utf8.DecodeRuneInString(src[i:])
				if !isIdentPart(r) {
					break
				}
				i += size
			}
			toks = append(toks, token{kind: tokenIdent, text: src[start:i], pos: start})
			continue
		}

		matched := false
		for _, op := range doublePunct {
			if strings.HasPrefix(src[i:], op) {
				toks = append(toks, token{kind: tokenPunct, text: op, pos: i})
				i += 2
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		switch c {
		case '(', ')', '[', ']', ',', '.', '?', ':', '+', '-', '*', '/', '%', '!', '<', '>':
			toks = append(toks, token{kind: tokenPunct, text: string(c), pos: i})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", string(c), i)
		}
	}
	toks = append(toks, token{kind: tokenEOF, pos: len(src)})
	return toks, nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		if c == '\\' {
			if i+1 >= len(src) {
				return "", 0, fmt.Errorf("unterminated string at offset %d", start)
			}
			switch src[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(src[i+1])
			default:
				b.WriteByte(src[i+1])
			}
			i += 2
			continue
		}
		if c == quote {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("unterminated string at offset %d", start)
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
