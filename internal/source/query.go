package source

import (
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geostream/internal/core/model"
)

// Dialect adapts generated SQL to one database.
type Dialect struct {
	Name        string
	Placeholder func(n int) string
	Quote       func(ident string) string
	// GeomExpr wraps the quoted geometry column in the select list.
	GeomExpr func(col string) string
}

func DollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func QuestionPlaceholder(int) string { return "?" }

func DoubleQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func selectList(d Dialect, ds model.Dataset) string {
	cols := make([]string, 0, len(ds.Columns)+2)
	cols = append(cols, d.Quote(ds.IDColumn))
	for _, c := range ds.Columns {
		cols = append(cols, d.Quote(c))
	}
	g := d.Quote(ds.GeomColumn)
	if d.GeomExpr != nil {
		g = d.GeomExpr(g)
	}
	cols = append(cols, g)
	return strings.Join(cols, ", ")
}

func where(d Dialect, ds model.Dataset, extra string) string {
	conds := make([]string, 0, len(ds.NotNull)+1)
	for _, c := range ds.NotNull {
		conds = append(conds, d.Quote(c)+" IS NOT NULL")
	}
	if extra != "" {
		conds = append(conds, extra)
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// WindowQuery builds the paged select. Placeholders are (limit, offset).
// The identifier column is always the last sort key so the order is total.
func WindowQuery(d Dialect, ds model.Dataset) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectList(d, ds))
	b.WriteString(" FROM ")
	b.WriteString(d.Quote(ds.Table))
	b.WriteString(where(d, ds, ""))
	b.WriteString(" ORDER BY ")
	for _, o := range ds.OrderBy {
		if o.Column == ds.IDColumn {
			continue
		}
		b.WriteString(d.Quote(o.Column))
		if o.Desc {
			b.WriteString(" DESC")
		}
		b.WriteString(", ")
	}
	b.WriteString(d.Quote(ds.IDColumn))
	b.WriteString(" LIMIT ")
	b.WriteString(d.Placeholder(1))
	b.WriteString(" OFFSET ")
	b.WriteString(d.Placeholder(2))
	return b.String()
}

// LookupQuery selects one row by identifier. Placeholder is (id).
func LookupQuery(d Dialect, ds model.Dataset) string {
	return "SELECT " + selectList(d, ds) +
		" FROM " + d.Quote(ds.Table) +
		where(d, ds, d.Quote(ds.IDColumn)+" = "+d.Placeholder(1))
}

// RowFromValues maps a scanned select list (id, columns..., geometry) onto a
// Row.
func RowFromValues(ds model.Dataset, vals []any) model.Row {
	row := model.Row{Attrs: make(map[string]any, len(ds.Columns))}
	if len(vals) == 0 {
		return row
	}
	row.ID = vals[0]
	for i, c := range ds.Columns {
		if i+1 < len(vals) {
			row.Attrs[c] = vals[i+1]
		}
	}
	if g := len(ds.Columns) + 1; g < len(vals) {
		row.Geom = vals[g]
	}
	return row
}
