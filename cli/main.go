package main

import (
	"fmt"
	"github.com/alexflint/go-arg"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	log "github.com/sirupsen/logrus"
	"os"
	"recdb"
)

type config struct {
	Path        string `arg:"positional,required" help:"database file to inspect"`
	Pages       bool   `arg:"--pages" help:"list every tree page, breadth first"`
	Records     bool   `arg:"--records" help:"list every record in id order"`
	Check       bool   `arg:"--check" help:"verify the tree structure"`
	Dump        string `arg:"--dump" help:"write a dump of the table to this file"`
	Compression string `arg:"--compression" help:"dump compression (snappy, lz4, none)" default:"snappy"`
	Verbose     bool   `arg:"-v,--verbose" help:"debug logging"`
}

func (config) Description() string {
	return "recdb-inspect prints the header and structure of a recdb database file. The file is opened read-only."
}

func newTableWriter() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.Style().Format.Header = text.FormatDefault
	tw.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	return tw
}

func dimmed() *color.Color { return color.RGB(128, 128, 128) }

func main() {
	var cfg config
	parser, err := arg.NewParser(arg.Config{Program: "recdb-inspect"}, &cfg)
	if err != nil {
		log.Fatal(err)
	}
	parser.MustParse(os.Args[1:])

	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	algo, ok := map[string]recdb.CompressAlgorithm{
		"snappy": recdb.CompSnappy,
		"lz4":    recdb.CompLz4,
		"none":   recdb.CompNone,
	}[cfg.Compression]
	if !ok {
		parser.Fail(fmt.Sprintf("unknown compression %q", cfg.Compression))
	}

	// read-only open refuses missing files instead of creating them
	db, err := recdb.Open(cfg.Path, 0, &recdb.Options{ReadOnly: true})
	if err != nil {
		log.WithError(err).Fatalf("open %s", cfg.Path)
	}
	defer db.Close()

	if err := run(db, cfg, algo); err != nil {
		_ = db.Close()
		log.Fatal(err)
	}
}

func run(db *recdb.DB, cfg config, algo recdb.CompressAlgorithm) error {
	h, err := db.Header()
	if err != nil {
		return err
	}
	tw := newTableWriter()
	tw.AppendHeader(table.Row{"Field", "Value"})
	tw.AppendRows([]table.Row{
		{"magic", fmt.Sprintf("0x%08x", h.Magic)},
		{"version", h.Version},
		{"page size", h.PageSize},
		{"root", h.Root},
		{"next free", h.NextFree},
		{"pages", h.PageCount},
		{"rows", h.RowCount},
	})
	tw.Render()
	if h.Root == 0 {
		dimmed().Println("no table")
		return nil
	}

	if cfg.Check {
		if err := db.Check(); err != nil {
			color.Red("check failed: %v", err)
			return err
		}
		color.Green("check ok")
	}

	if cfg.Pages {
		pages, err := db.Pages()
		if err != nil {
			return err
		}
		tw := newTableWriter()
		tw.AppendHeader(table.Row{"Page", "Level", "Type", "Count", "Keys", "Next / Children"})
		for _, p := range pages {
			keys, link := "", ""
			if p.Count > 0 {
				keys = fmt.Sprintf("%d .. %d", p.MinKey, p.MaxKey)
			}
			if p.Type == recdb.PageLeaf {
				link = fmt.Sprint(p.Next)
			} else {
				link = fmt.Sprint(p.Children)
			}
			row := table.Row{p.Number, p.Level, p.Type, p.Count, keys, link}
			if p.Count == 0 {
				for i, v := range row {
					row[i] = dimmed().Sprint(v)
				}
			}
			tw.AppendRow(row)
		}
		tw.Render()
	}

	if cfg.Records {
		c, err := db.Cursor()
		if err != nil {
			return err
		}
		tw := newTableWriter()
		tw.AppendHeader(table.Row{"ID", "Name"})
		for c.Next() {
			r := c.Record()
			tw.AppendRow(table.Row{r.ID, r.Name})
		}
		if err := c.Err(); err != nil {
			return err
		}
		tw.Render()
	}

	if cfg.Dump != "" {
		f, err := os.Create(cfg.Dump)
		if err != nil {
			return err
		}
		if err := db.Dump(f, algo); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		dimmed().Printf("dumped %d rows to %s (%s)\n", h.RowCount, cfg.Dump, algo)
	}
	return nil
}
