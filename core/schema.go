package core

import (
	"fmt"
	"strings"
)

type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"notNull"`
	PrimaryKey bool   `json:"primaryKey"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Schema is the live structural catalog of one world.
type Schema struct {
	World  string  `json:"world"`
	Tables []Table `json:"tables"`
}

// String renders the schema in the compact form handed to the repair oracle.
func (schema Schema) String() string {
	if len(schema.Tables) == 0 {
		return "(no tables found)"
	}

	var b strings.Builder
	for _, table := range schema.Tables {
		fmt.Fprintf(&b, "Table: %s\n", table.Name)
		for _, col := range table.Columns {
			fmt.Fprintf(&b, "  - %s (%s)\n", col.Name, col.Type)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (schema Schema) Table(name string) (Table, bool) {
	for _, table := range schema.Tables {
		if strings.EqualFold(table.Name, name) {
			return table, true
		}
	}
	return Table{}, false
}
