package sql

import "strings"

type Token struct {
	Type  TokenType
	Value string
	Pos   int // byte offset of the token in the input
}

type TokenType int

const (
	Identifier TokenType = iota
	QuotedIdentifier
	String
	Number
	Comma
	Semicolon
	ParenOpen
	ParenClose
	Operator
	Select
	With
	Recursive
	As
	Values
	Explain
	Insert
	Update
	Delete
	Replace
	Create
	Drop
	Alter
	Pragma
	EOF
	Unknown
)

func (token Token) String() string {
	switch token.Type {
	case Identifier:
		return "Identifier(" + token.Value + ")"
	case QuotedIdentifier:
		return "QuotedIdentifier(" + token.Value + ")"
	case String:
		return "String(" + token.Value + ")"
	case Number:
		return "Number(" + token.Value + ")"
	case Comma:
		return "Comma"
	case Semicolon:
		return "Semicolon"
	case ParenOpen:
		return "ParenOpen"
	case ParenClose:
		return "ParenClose"
	case Operator:
		return "Operator(" + token.Value + ")"
	case EOF:
		return "EOF"
	case Unknown:
		return "Unknown(" + token.Value + ")"
	default:
		return toUpper(token.Value)
	}
}

// IsKeyword reports whether the token is a statement keyword.
func (token Token) IsKeyword() bool {
	return token.Type >= Select && token.Type <= Pragma
}

func lookupIdentifier(identifier string) TokenType {
	switch toUpper(identifier) {
	case "SELECT":
		return Select
	case "WITH":
		return With
	case "RECURSIVE":
		return Recursive
	case "AS":
		return As
	case "VALUES":
		return Values
	case "EXPLAIN":
		return Explain
	case "INSERT":
		return Insert
	case "UPDATE":
		return Update
	case "DELETE":
		return Delete
	case "REPLACE":
		return Replace
	case "CREATE":
		return Create
	case "DROP":
		return Drop
	case "ALTER":
		return Alter
	case "PRAGMA":
		return Pragma
	default:
		return Identifier
	}
}

type Lexer struct {
	sql          string
	position     int
	readPosition int
	ch           byte
}

func NewLexer(sql string) *Lexer {
	lexer := &Lexer{sql: sql}
	lexer.readChar()
	return lexer
}

func (lexer *Lexer) readChar() {
	if lexer.readPosition >= len(lexer.sql) {
		lexer.ch = 0
	} else {
		lexer.ch = lexer.sql[lexer.readPosition]
	}
	lexer.position = lexer.readPosition
	lexer.readPosition++
}

func (lexer *Lexer) peekChar() byte {
	if lexer.readPosition >= len(lexer.sql) {
		return 0
	}
	return lexer.sql[lexer.readPosition]
}

func (lexer *Lexer) atEnd() bool {
	return lexer.position >= len(lexer.sql)
}

// NextToken returns the next token, skipping whitespace and comments.
func (lexer *Lexer) NextToken() Token {
	lexer.skipWhitespaceAndComments()

	pos := lexer.position
	if lexer.atEnd() {
		return Token{Type: EOF, Pos: len(lexer.sql)}
	}

	var token Token

	switch lexer.ch {
	case ',':
		token = Token{Type: Comma, Value: ","}
	case ';':
		token = Token{Type: Semicolon, Value: ";"}
	case '(':
		token = Token{Type: ParenOpen, Value: "("}
	case ')':
		token = Token{Type: ParenClose, Value: ")"}
	case '\'':
		return Token{Type: String, Value: lexer.readQuoted('\''), Pos: pos}
	case '"', '`':
		return Token{Type: QuotedIdentifier, Value: lexer.readQuoted(lexer.ch), Pos: pos}
	case '[':
		return Token{Type: QuotedIdentifier, Value: lexer.readQuoted(']'), Pos: pos}
	default:
		if isOperator(lexer.ch) {
			return Token{Type: Operator, Value: lexer.readOperator(), Pos: pos}
		} else if isDigit(lexer.ch) {
			return Token{Type: Number, Value: lexer.readNumber(), Pos: pos}
		} else if isAlphaNumeric(lexer.ch) {
			literal := lexer.readIdentifier()
			return Token{Type: lookupIdentifier(literal), Value: literal, Pos: pos}
		}
		token = Token{Type: Unknown, Value: string(lexer.ch)}
	}

	token.Pos = pos
	lexer.readChar()
	return token
}

func (lexer *Lexer) skipWhitespaceAndComments() {
	for !lexer.atEnd() {
		switch {
		case lexer.ch == ' ' || lexer.ch == '\t' || lexer.ch == '\n' || lexer.ch == '\r':
			lexer.readChar()
		case lexer.ch == '-' && lexer.peekChar() == '-':
			for !lexer.atEnd() && lexer.ch != '\n' {
				lexer.readChar()
			}
		case lexer.ch == '/' && lexer.peekChar() == '*':
			lexer.readChar()
			lexer.readChar()
			for !lexer.atEnd() && !(lexer.ch == '*' && lexer.peekChar() == '/') {
				lexer.readChar()
			}
			lexer.readChar()
			lexer.readChar()
		default:
			return
		}
	}
}

func (lexer *Lexer) readIdentifier() string {
	position := lexer.position
	for isAlphaNumeric(lexer.ch) {
		lexer.readChar()
	}
	return lexer.sql[position:lexer.position]
}

// readQuoted reads up to the closing quote. A doubled quote is an escaped
// quote. An unterminated literal runs to the end of input.
func (lexer *Lexer) readQuoted(closing byte) string {
	lexer.readChar() // skip opening quote
	var b strings.Builder
	for !lexer.atEnd() {
		if lexer.ch == closing {
			if lexer.peekChar() == closing && closing != ']' {
				b.WriteByte(closing)
				lexer.readChar()
				lexer.readChar()
				continue
			}
			lexer.readChar() // skip closing quote
			break
		}
		b.WriteByte(lexer.ch)
		lexer.readChar()
	}
	return b.String()
}

func (lexer *Lexer) readNumber() string {
	position := lexer.position
	for isDigit(lexer.ch) || lexer.ch == '.' {
		lexer.readChar()
	}
	return lexer.sql[position:lexer.position]
}

func (lexer *Lexer) readOperator() string {
	position := lexer.position
	for isOperator(lexer.ch) {
		// a comment start ends the operator
		if (lexer.ch == '-' && lexer.peekChar() == '-') || (lexer.ch == '/' && lexer.peekChar() == '*') {
			break
		}
		lexer.readChar()
	}
	if lexer.position == position {
		lexer.readChar()
	}
	return lexer.sql[position:lexer.position]
}

func isAlphaNumeric(ch byte) bool {
	return ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') || ch == '_' || ch == '$' || isDigit(ch) || ch >= 0x80
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func isOperator(ch byte) bool {
	switch ch {
	case '=', '!', '<', '>', '+', '-', '*', '/', '%', '|', '&', '~', '.', ':', '?', '@':
		return true
	}
	return false
}

// toUpper converts a string to uppercase without allocating for ASCII strings
func toUpper(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'a' && s[i] <= 'z' {
			// Need to convert, allocate a new string
			b := make([]byte, len(s))
			for j := 0; j < len(s); j++ {
				if s[j] >= 'a' && s[j] <= 'z' {
					b[j] = s[j] - 32
				} else {
					b[j] = s[j]
				}
			}
			return string(b)
		}
	}
	return s
}

func tokenize(sql string) []Token {
	lexer := NewLexer(sql)

	var tokens []Token

	for {
		token := lexer.NextToken()
		if token.Type == EOF {
			return append(tokens, token)
		}
		tokens = append(tokens, token)
	}
}
