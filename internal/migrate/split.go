package migrate

import (
	"strings"
	"unicode"
)

type scanState int

const (
	stNormal scanState = iota
	stSingle
	stDouble
	stBacktick
	stBracket
	stLineComment
	stBlockComment
)

// SplitStatements breaks a SQL batch into individual statements.
//
// Semicolons inside quoted strings, quoted identifiers and comments do not end
// a statement, and neither do the ones inside a CREATE TRIGGER ... BEGIN ... END
// body. Comments are removed from the returned text and statements that were
// only comments are dropped.
func SplitStatements(batch string) []string {
	var (
		out   []string
		cur   strings.Builder
		word  strings.Builder
		lead  []string
		depth int
		state = stNormal
	)

	endWord := func() {
		if word.Len() == 0 {
			return
		}
		w := strings.ToUpper(word.String())
		word.Reset()
		if len(lead) < 3 {
			lead = append(lead, w)
			return
		}
		if !isTrigger(lead) {
			return
		}
		switch w {
		case "BEGIN", "CASE":
			depth++
		case "END":
			if depth > 0 {
				depth--
			}
		}
	}
	flush := func() {
		endWord()
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
		lead = nil
		depth = 0
	}

	runes := []rune(batch)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stNormal:
			if isWordRune(r) {
				word.WriteRune(r)
				cur.WriteRune(r)
				continue
			}
			endWord()
			switch {
			case r == '-' && next == '-':
				state = stLineComment
				i++
				continue
			case r == '/' && next == '*':
				state = stBlockComment
				cur.WriteRune(' ')
				i++
				continue
			case r == '\'':
				state = stSingle
			case r == '"':
				state = stDouble
			case r == '`':
				state = stBacktick
			case r == '[':
				state = stBracket
			case r == ';' && depth == 0:
				flush()
				continue
			}
			cur.WriteRune(r)
		case stSingle, stDouble, stBacktick, stBracket:
			cur.WriteRune(r)
			if r == closer(state) {
				state = stNormal
			}
		case stLineComment:
			if r == '\n' {
				state = stNormal
				cur.WriteRune('\n')
			}
		case stBlockComment:
			if r == '*' && next == '/' {
				state = stNormal
				i++
			}
		}
	}
	flush()
	return out
}

func closer(s scanState) rune {
	switch s {
	case stSingle:
		return '\''
	case stDouble:
		return '"'
	case stBacktick:
		return '`'
	default:
		return ']'
	}
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isTrigger(lead []string) bool {
	if len(lead) < 2 || lead[0] != "CREATE" {
		return false
	}
	if lead[1] == "TRIGGER" {
		return true
	}
	return len(lead) >= 3 && (lead[1] == "TEMP" || lead[1] == "TEMPORARY") && lead[2] == "TRIGGER"
}
