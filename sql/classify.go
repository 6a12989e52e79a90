package sql

import (
	"strings"

	"github.com/nickyhof/ForkDB/core"
)

// Classify decides whether a statement reads or writes. SELECT, VALUES and
// EXPLAIN are queries, and so is a WITH whose top-level body is a SELECT.
// Everything else is a mutation.
func Classify(text string) core.Kind {
	tokens := tokenize(text)

	// skip leading parentheses: "(SELECT 1) UNION (SELECT 2)"
	i := 0
	for i < len(tokens) && tokens[i].Type == ParenOpen {
		i++
	}
	if i >= len(tokens) {
		return core.MutationKind
	}

	switch tokens[i].Type {
	case Select, Values, Explain:
		return core.QueryKind
	case With:
		if topLevelBody(tokens[i+1:]) == Select {
			return core.QueryKind
		}
		return core.MutationKind
	default:
		return core.MutationKind
	}
}

// topLevelBody returns the first statement keyword following the common
// table expressions of a WITH clause.
func topLevelBody(tokens []Token) TokenType {
	depth := 0
	for _, token := range tokens {
		switch token.Type {
		case ParenOpen:
			depth++
		case ParenClose:
			depth--
		case Semicolon:
			if depth == 0 {
				return EOF
			}
		case Select, Values, Insert, Update, Delete, Replace:
			if depth == 0 {
				if token.Type == Values {
					return Select
				}
				return token.Type
			}
		}
	}
	return EOF
}

// LeadingKeyword returns the upper-cased first word of a statement, or ""
// when the statement has none.
func LeadingKeyword(text string) string {
	lexer := NewLexer(text)
	for {
		token := lexer.NextToken()
		switch token.Type {
		case EOF:
			return ""
		case ParenOpen:
			continue
		case Identifier:
			return toUpper(token.Value)
		default:
			if token.IsKeyword() {
				return toUpper(token.Value)
			}
			return ""
		}
	}
}

// Split splits a script into statements on semicolons outside literals and
// comments. Empty and comment-only statements are dropped.
func Split(script string) []string {
	var statements []string

	lexer := NewLexer(script)
	start := 0
	hasContent := false

	flush := func(end int) {
		if hasContent {
			if stmt := strings.TrimSpace(script[start:end]); stmt != "" {
				statements = append(statements, stmt)
			}
		}
		hasContent = false
	}

	for {
		token := lexer.NextToken()
		switch token.Type {
		case EOF:
			flush(len(script))
			return statements
		case Semicolon:
			flush(token.Pos)
			start = token.Pos + 1
		default:
			if !hasContent {
				start = token.Pos
			}
			hasContent = true
		}
	}
}

// StripCodeFences removes a surrounding markdown code fence, with or without
// a language tag, from generated statement text.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 && isFenceTag(text[:nl]) {
		text = text[nl+1:]
	}

	if end := strings.LastIndex(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}

// isFenceTag reports whether the remainder of an opening fence line is a
// language tag such as "sql" rather than statement text.
func isFenceTag(line string) bool {
	line = strings.TrimSpace(line)
	for i := 0; i < len(line); i++ {
		if !isAlphaNumeric(line[i]) {
			return false
		}
	}
	return lookupIdentifier(line) == Identifier
}
