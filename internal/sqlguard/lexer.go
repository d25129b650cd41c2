package sqlguard

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokPunct
	tokSemicolon
	tokComment
)

type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
}

func (t token) significant() bool { return t.kind != tokComment }

func (t token) isWord(upper string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, upper)
}

// SyntaxError reports a lexical problem at a byte offset.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Offset, e.Msg)
}

// tokenize splits a statement into tokens. Whitespace is dropped, comments are
// kept as tokens so callers can locate insertion points relative to them.
func tokenize(sql string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(sql) {
		r, size := utf8.DecodeRuneInString(sql[i:])
		switch {
		case unicode.IsSpace(r):
			i += size
		case strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql)
			} else {
				end += i
			}
			tokens = append(tokens, token{kind: tokComment, text: sql[i:end], start: i, end: end})
			i = end
		case strings.HasPrefix(sql[i:], "/*"):
			end, err := scanBlockComment(sql, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokComment, text: sql[i:end], start: i, end: end})
			i = end
		case r == '\'':
			end, err := scanQuoted(sql, i, '\'')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: sql[i:end], start: i, end: end})
			i = end
		case r == '"' || r == '`':
			end, err := scanQuoted(sql, i, byte(r))
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: sql[i:end], start: i, end: end})
			i = end
		case r == '$':
			if end, ok, err := scanDollarQuoted(sql, i); err != nil {
				return nil, err
			} else if ok {
				tokens = append(tokens, token{kind: tokString, text: sql[i:end], start: i, end: end})
				i = end
				continue
			}
			end := i + 1
			for end < len(sql) && isDigit(sql[end]) {
				end++
			}
			tokens = append(tokens, token{kind: tokPunct, text: sql[i:end], start: i, end: end})
			i = end
		case r == ';':
			tokens = append(tokens, token{kind: tokSemicolon, text: ";", start: i, end: i + 1})
			i++
		case (r < utf8.RuneSelf && isDigit(byte(r))) || (r == '.' && i+1 < len(sql) && isDigit(sql[i+1])):
			end := i + 1
			for end < len(sql) && (isDigit(sql[end]) || sql[end] == '.' || sql[end] == 'e' || sql[end] == 'E') {
				end++
			}
			tokens = append(tokens, token{kind: tokNumber, text: sql[i:end], start: i, end: end})
			i = end
		case (r == 'E' || r == 'e') && i+1 < len(sql) && sql[i+1] == '\'':
			end, err := scanEscapeString(sql, i+1)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: sql[i:end], start: i, end: end})
			i = end
		case r == '_' || unicode.IsLetter(r):
			end := i + size
			for end < len(sql) {
				next, nextSize := utf8.DecodeRuneInString(sql[end:])
				if next != '_' && next != '$' && !unicode.IsLetter(next) && !unicode.IsDigit(next) {
					break
				}
				end += nextSize
			}
			tokens = append(tokens, token{kind: tokWord, text: sql[i:end], start: i, end: end})
			i = end
		default:
			tokens = append(tokens, token{kind: tokPunct, text: sql[i : i+size], start: i, end: i + size})
			i += size
		}
	}
	return tokens, nil
}

func scanBlockComment(sql string, start int) (int, error) {
	depth := 0
	i := start
	for i < len(sql) {
		switch {
		case strings.HasPrefix(sql[i:], "/*"):
			depth++
			i += 2
		case strings.HasPrefix(sql[i:], "*/"):
			depth--
			i += 2
			if depth == 0 {
				return i, nil
			}
		default:
			i++
		}
	}
	return 0, &SyntaxError{Offset: start, Msg: "unterminated block comment"}
}

// scanQuoted consumes a quoted run where a doubled quote is an escaped quote.
func scanQuoted(sql string, start int, quote byte) (int, error) {
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	kind := "string literal"
	if quote != '\'' {
		kind = "quoted identifier"
	}
	return 0, &SyntaxError{Offset: start, Msg: "unterminated " + kind}
}

// scanEscapeString consumes the body of an E'...' literal, where a backslash
// escapes the next byte and a doubled quote is still an escaped quote.
func scanEscapeString(sql string, start int) (int, error) {
	i := start + 1
	for i < len(sql) {
		switch {
		case sql[i] == '\\':
			i += 2
		case sql[i] == '\'':
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1, nil
		default:
			i++
		}
	}
	return 0, &SyntaxError{Offset: start, Msg: "unterminated string literal"}
}

// scanDollarQuoted handles $$...$$ and $tag$...$tag$ bodies. ok is false when
// the dollar sign starts a positional parameter or stray operator instead.
func scanDollarQuoted(sql string, start int) (int, bool, error) {
	i := start + 1
	for i < len(sql) && (sql[i] == '_' || isLetter(sql[i]) || (i > start+1 && isDigit(sql[i]))) {
		i++
	}
	if i >= len(sql) || sql[i] != '$' {
		return 0, false, nil
	}
	delim := sql[start : i+1]
	closing := strings.Index(sql[i+1:], delim)
	if closing < 0 {
		return 0, false, &SyntaxError{Offset: start, Msg: "unterminated dollar-quoted string"}
	}
	return i + 1 + closing + len(delim), true, nil
}

func isDigit(b byte) bool  { return b >= '0' && b <= '9' }
func isLetter(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') }
