package keys

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/geostream/internal/core/model"
)

const prefix = "geostream:v1"

// Key returns the cache key for a dataset. The hash suffix covers every field
// that changes the produced payload, so a reconfigured dataset never serves an
// entry assembled under its old shape.
func Key(ds model.Dataset) string {
	name := sanitizeName(strings.TrimSpace(ds.Name))
	sum := xxhash.Sum64String(Shape(ds))
	return fmt.Sprintf("%s:%s:%s:f=%016x", prefix, name, ds.Kind, sum)
}

// Shape is the canonical text hashed into the key suffix.
func Shape(ds model.Dataset) string {
	var b strings.Builder
	field := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte(';')
	}
	field("table", ds.Table)
	field("id", ds.IDColumn)
	field("geom", ds.GeomColumn)
	field("cols", strings.Join(ds.Columns, ","))
	field("notnull", strings.Join(ds.NotNull, ","))
	order := make([]string, 0, len(ds.OrderBy))
	for _, o := range ds.OrderBy {
		dir := "asc"
		if o.Desc {
			dir = "desc"
		}
		order = append(order, o.Column+" "+dir)
	}
	field("order", strings.Join(order, ","))
	field("window", strconv.Itoa(ds.Window))
	field("cap", strconv.Itoa(ds.RowCap))
	field("tol", strconv.FormatFloat(ds.Tolerance, 'g', -1, 64))
	field("h3", strconv.Itoa(ds.H3Res))
	return b.String()
}

func sanitizeName(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			// any other rune (including ':' and non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
