package condition

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord   tokenKind = iota // identifier, keyword or field path
	tokOp                      // ==, !=, >=, <=, >, <
	tokString                  // "…" or '…'
	tokNumber                  // 42 | 3.14 | -1
	tokBool                    // true | false
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

func isWordChar(ch byte) bool {
	return ch == '_' || ch == '.' || unicode.IsLetter(rune(ch)) || unicode.IsDigit(rune(ch))
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case unicode.IsSpace(rune(ch)):
			i++
		case ch == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case ch == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokOp, src[i : i+2], i})
				i += 2
				continue
			}
			if ch == '=' {
				// a lone '=' is almost always a typo for '=='
				return nil, fmt.Errorf("unexpected '=' at position %d (did you mean '==')", i)
			}
			tokens = append(tokens, token{tokOp, string(ch), i})
			i++
		case ch == '"' || ch == '\'':
			s, next, err := readString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokString, s, i})
			i = next
		case unicode.IsDigit(rune(ch)) || (ch == '-' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, src[i:j], i})
			i = j
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i
			for j < len(src) && isWordChar(src[j]) {
				j++
			}
			word := src[i:j]
			if lw := strings.ToLower(word); lw == "true" || lw == "false" {
				tokens = append(tokens, token{tokBool, lw, i})
			} else {
				tokens = append(tokens, token{tokWord, word, i})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	return append(tokens, token{tokEOF, "", len(src)}), nil
}

// readString scans a quoted literal starting at src[start] and returns its
// unescaped contents and the index just past the closing quote.
func readString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	j := start + 1
	for j < len(src) {
		c := src[j]
		if c == '\\' && j+1 < len(src) {
			next := src[j+1]
			if next == quote || next == '\\' {
				b.WriteByte(next)
			} else {
				// keep unknown escapes verbatim so regex patterns like "\." survive
				b.WriteByte(c)
				b.WriteByte(next)
			}
			j += 2
			continue
		}
		if c == quote {
			return b.String(), j + 1, nil
		}
		b.WriteByte(c)
		j++
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}
