package postgres

import (
	"fmt"
	"strings"

	"github.com/mickamy/sqlnative/value"
)

// bindParameters rewrites "$N" (and the "@pN" alias some callers use, for
// symmetry with the TDS/MySQL engines) placeholders with rendered SQL
// literals for each parameter. Replacement walks N from highest to lowest
// so that "$1" never matches as a prefix of "$10".
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
		lit := rendered[i-1]
		out = strings.ReplaceAll(out, fmt.Sprintf("$%d", i), lit)
		out = strings.ReplaceAll(out, fmt.Sprintf("@p%d", i), lit)
	}
	return out, nil
}

// renderLiteral renders a SqlValue as a PostgreSQL SQL literal. Text and
// bytes values are escaped against quote-injection; other kinds render
// their canonical textual form.
func renderLiteral(v value.SqlValue) (string, error) {
	switch v.Kind {
	case value.KindNull:
		return "NULL", nil
	case value.KindBool:
		b, _ := v.AsBool()
		if b {
			return "TRUE", nil
		}
		return "FALSE", nil
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
		return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
	case value.KindBytes:
		// E'' escape-string syntax keeps the literal valid regardless of
		// the server's standard_conforming_strings setting.
		b, _ := v.AsBytes()
		return "E'\\\\x" + hexEncode(b) + "'", nil
	case value.KindUUID:
		u, _ := v.AsUUID()
		return "'" + u.String() + "'", nil
	case value.KindInstant:
		t, _ := v.AsInstant()
		return "'" + t.UTC().Format("2006-01-02 15:04:05.999999Z07") + "'", nil
	default:
		return "", fmt.Errorf("postgres: render literal: unsupported kind %v", v.Kind)
	}
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
