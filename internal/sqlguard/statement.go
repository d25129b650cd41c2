package sqlguard

import (
	"errors"
	"strconv"
	"strings"
)

var (
	errEmptyStatement     = errors.New("empty statement")
	errMultipleStatements = errors.New("only a single statement is allowed")
	errNotSelect          = errors.New("only SELECT queries are allowed")
	errSelectInto         = errors.New("SELECT ... INTO writes data and is not allowed")
)

// statement is the lexical view of one candidate query.
type statement struct {
	raw    string
	tokens []token
}

// parseStatement tokenizes sql and checks that it is lexically well formed:
// non-empty, every quote and comment closed and parentheses balanced.
func parseStatement(sql string) (statement, error) {
	tokens, err := tokenize(sql)
	if err != nil {
		return statement{}, err
	}
	stmt := statement{raw: sql, tokens: tokens}
	if len(stmt.significant()) == 0 {
		return statement{}, errEmptyStatement
	}
	depth := 0
	for _, tok := range tokens {
		if tok.kind != tokPunct {
			continue
		}
		switch tok.text {
		case "(":
			depth++
		case ")":
			depth--
			if depth < 0 {
				return statement{}, &SyntaxError{Offset: tok.start, Msg: "unexpected closing parenthesis"}
			}
		}
	}
	if depth != 0 {
		return statement{}, &SyntaxError{Offset: len(sql), Msg: "unclosed parenthesis"}
	}
	return stmt, nil
}

func (s statement) significant() []token {
	out := make([]token, 0, len(s.tokens))
	for _, tok := range s.tokens {
		if tok.significant() {
			out = append(out, tok)
		}
	}
	return out
}

// body returns the significant tokens of the first statement, without the
// terminator, and reports whether anything significant follows it.
func (s statement) body() ([]token, bool) {
	sig := s.significant()
	for i, tok := range sig {
		if tok.kind != tokSemicolon {
			continue
		}
		for _, rest := range sig[i+1:] {
			if rest.kind != tokSemicolon {
				return sig[:i], true
			}
		}
		return sig[:i], false
	}
	return sig, false
}

// Canonical renders the first statement with comments removed, keywords upper
// cased and whitespace collapsed. Literals and quoted identifiers are kept verbatim.
func (s statement) Canonical() string {
	body, _ := s.body()
	parts := make([]string, 0, len(body))
	for _, tok := range body {
		if tok.kind == tokWord {
			parts = append(parts, strings.ToUpper(tok.text))
			continue
		}
		parts = append(parts, tok.text)
	}
	return strings.Join(parts, " ")
}

// checkReadOnly enforces the read-only policy on the canonical form.
func (s statement) checkReadOnly() error {
	body, trailing := s.body()
	if trailing {
		return errMultipleStatements
	}
	if len(body) == 0 {
		return errEmptyStatement
	}
	lead := 0
	for lead < len(body) && body[lead].kind == tokPunct && body[lead].text == "(" {
		lead++
	}
	if lead == len(body) || !body[lead].isWord("SELECT") {
		return errNotSelect
	}
	for _, tok := range body {
		if tok.isWord("INTO") {
			return errSelectInto
		}
	}
	return nil
}

// hasTopLevelLimit reports whether the outermost query already carries a row
// cap, either LIMIT or the standard FETCH FIRST/NEXT form.
func (s statement) hasTopLevelLimit() bool {
	body, _ := s.body()
	depth := 0
	for _, tok := range body {
		switch {
		case tok.kind == tokPunct && tok.text == "(":
			depth++
		case tok.kind == tokPunct && tok.text == ")":
			depth--
		case depth == 0 && (tok.isWord("LIMIT") || tok.isWord("FETCH")):
			return true
		}
	}
	return false
}

// withLimit returns the statement with a LIMIT clause appended after the last
// significant token, ahead of any trailing terminator or comment.
func (s statement) withLimit(limit int) string {
	if s.hasTopLevelLimit() {
		return s.raw
	}
	body, _ := s.body()
	if len(body) == 0 {
		return s.raw
	}
	at := body[len(body)-1].end
	return s.raw[:at] + " LIMIT " + strconv.Itoa(limit) + s.raw[at:]
}

// LimitQueryResults caps the row count of a SELECT at limit rows unless the
// outer query already has a LIMIT. Statements that do not tokenize are
// returned unchanged.
func LimitQueryResults(sql string, limit int) string {
	stmt, err := parseStatement(sql)
	if err != nil {
		return sql
	}
	return stmt.withLimit(limit)
}
