package relic

import (
	"fmt"

	"github.com/jedib0t/go-pretty/table"
)

// PrintSchematic dumps the registered model set, the inferred relational
// shape included, to stdout.
func (c *Connection) PrintSchematic() {
	fmt.Printf("SQL Dialect: %s\n", c.Dialect.DriverName)
	rels, err := Discovered()
	if err != nil {
		fmt.Printf("discovery failed: %v\n", err)
		return
	}

	for _, d := range Descriptors() {
		fmt.Printf("t: %s\n", d.Table)
		w := table.NewWriter()
		w.AppendHeader(table.Row{"Property", "Kind", "Type", "Builtin"})
		for _, p := range d.Properties {
			typeName := ""
			if p.Type != nil {
				typeName = p.Type.String()
			}
			w.AppendRow(table.Row{p.Name, p.Kind, typeName, p.Builtin})
		}
		fmt.Println(w.Render())

		for _, r := range rels {
			if r.LocalType != d.Name || r.LocalProperty == "" {
				continue
			}
			switch r.Kind {
			case OneToOne:
				fmt.Printf("%s 1-1 %s => key %s.%s\n", r.LocalTable, r.ForeignTable, r.ForeignKeyTable, r.ForeignKeyColumn)
			case OneToMany:
				fmt.Printf("%s 1-N %s => key %s.%s\n", r.LocalTable, r.ForeignTable, r.ForeignKeyTable, r.ForeignKeyColumn)
			case ManyToOne:
				fmt.Printf("%s N-1 %s => key %s.%s\n", r.LocalTable, r.ForeignTable, r.ForeignKeyTable, r.ForeignKeyColumn)
			case ManyToMany:
				fmt.Printf("%s N-N %s => pivot %s (%s, %s)\n", r.LocalTable, r.ForeignTable, r.PivotTable, r.PivotLocalColumn, r.PivotForeignColumn)
			}
		}

		fmt.Println("")
	}
}
