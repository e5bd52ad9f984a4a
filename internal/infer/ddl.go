package infer

import (
	"fmt"
	"strings"
)

// GenerateDDL renders a CREATE TABLE IF NOT EXISTS statement for the
// analyzed columns, in dataset column order. It only builds text; nothing is
// executed here.
func GenerateDDL(schema, table string, analyses []ColumnAnalysis) string {
	name := quoteIdent(table)
	if schema != "" {
		name = quoteIdent(schema) + "." + name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", name)
	for i, a := range analyses {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "    %s %s", quoteIdent(a.Name), a.SQLType)
	}
	b.WriteString("\n)")
	return b.String()
}

// quoteIdent double-quotes an identifier, escaping embedded quotes.
func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
