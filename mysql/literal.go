package mysql

import (
	"fmt"
	"strings"

	"github.com/mickamy/sqlnative/value"
)

// bindParameters renders each parameter as a MySQL SQL literal and
// substitutes both "?" (positional, in call order) and "@pN" (named,
// highest N first so "@p1" never matches as a prefix of "@p10") placeholders.
func bindParameters(sql string, params []value.SqlParameter) (string, error) {
	if len(params) == 0 {
		return sql, nil
	}
	rendered := make([]string, len(params))
	for i, p := range params {
		r, err := renderLiteral(p.Val)
		if err != nil {
			return "", err
		}
		rendered[i] = r
	}

	out := sql
	for i := len(rendered); i >= 1; i-- {
		out = strings.ReplaceAll(out, fmt.Sprintf("@p%d", i), rendered[i-1])
	}
	out = substituteQuestionMarks(out, rendered)
	return out, nil
}

// substituteQuestionMarks walks the query left to right, replacing each
// "?" in turn with the next rendered literal.
func substituteQuestionMarks(sql string, rendered []string) string {
	var b strings.Builder
	b.Grow(len(sql))
	argIdx := 0
	for i := 0; i < len(sql); i++ {
		if sql[i] == '?' && argIdx < len(rendered) {
			b.WriteString(rendered[argIdx])
			argIdx++
		} else {
			b.WriteByte(sql[i])
		}
	}
	return b.String()
}

// renderLiteral renders a SqlValue as a MySQL SQL literal. Strings are
// escaped against quote injection and control characters: quotes are
// doubled, control characters backslash-escaped.
func renderLiteral(v value.SqlValue) (string, error) {
	switch v.Kind {
	case value.KindNull:
		return "NULL", nil
	case value.KindBool:
		b, _ := v.AsBool()
		if b {
			return "1", nil
		}
		return "0", nil
	case value.KindInt8, value.KindInt16, value.KindInt32, value.KindInt64:
		n, _ := v.AsInt64()
		return fmt.Sprintf("%d", n), nil
	case value.KindFloat32, value.KindFloat64:
		f, _ := v.AsFloat64()
		return fmt.Sprintf("%v", f), nil
	case value.KindDecimal:
		d, _ := v.AsDecimal()
		return d.String(), nil
	case value.KindText:
		s, _ := v.AsText()
		return "'" + escapeString(s) + "'", nil
	case value.KindBytes:
		b, _ := v.AsBytes()
		return "X'" + hexEncode(b) + "'", nil
	case value.KindUUID:
		u, _ := v.AsUUID()
		return "'" + u.String() + "'", nil
	case value.KindInstant:
		t, _ := v.AsInstant()
		return "'" + t.UTC().Format("2006-01-02 15:04:05.999999") + "'", nil
	default:
		return "", fmt.Errorf("mysql: render literal: unsupported kind %v", v.Kind)
	}
}

// escapeString doubles single quotes and backslash-escapes the control
// characters MySQL's text protocol treats specially: NUL, \n, \r, \032
// (Ctrl-Z, DOS EOF), backslash itself, and the quote characters.
func escapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\032':
			b.WriteString(`\Z`)
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`''`)
		case '"':
			b.WriteString(`\"`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}
