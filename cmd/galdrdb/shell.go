package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/galdrdb/galdrdb"
	"github.com/galdrdb/galdrdb/internal/cli"
)

func shellCommand() *cli.Command {
	var flags dbFlags
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	flags.register(fs, false)

	return &cli.Command{
		Flags: fs,
		Usage: "shell <path> [flags]",
		Short: "Interactive read-eval-print loop over a database",
		Long: `Open a database and enter an interactive shell.

Commands inside the shell:
  collections                         list collections
  count <collection>                  count documents
  get <collection> <id>               print one document as JSON
  insert <collection> <json>          insert a JSON document
  delete <collection> <id>            delete by id
  query <collection> <field> <op> <v> run a filtered query (op: eq lt lte gt gte startswith)
  checkpoint                          fold the WAL into the main file
  exit                                leave the shell`,
		Exec: func(ctx context.Context, o *cli.IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: shell takes exactly one path", cli.ErrUsage)
			}
			db, err := galdrdb.Open(args[0], flags.config())
			if err != nil {
				return err
			}
			defer db.Close()
			return runShell(o, db)
		},
	}
}

func runShell(o *cli.IO, db *galdrdb.Db) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("galdrdb> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == "exit" || input == "quit" {
			return nil
		}
		if err := evalShellLine(o, db, input); err != nil {
			o.ErrPrintln("error:", err)
		}
	}
}

func evalShellLine(o *cli.IO, db *galdrdb.Db, input string) error {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "collections":
		info, err := db.Info()
		if err != nil {
			return err
		}
		for _, name := range info.Collections {
			o.Println(name)
		}
		return nil

	case "count":
		if len(args) != 1 {
			return fmt.Errorf("usage: count <collection>")
		}
		n, err := db.Collection(args[0]).Query().Count()
		if err != nil {
			return err
		}
		o.Println(n)
		return nil

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <collection> <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad id %q", args[1])
		}
		doc, found, err := db.Collection(args[0]).GetByID(id)
		if err != nil {
			return err
		}
		if !found {
			o.Println("(not found)")
			return nil
		}
		return printDoc(o, doc)

	case "insert":
		if len(args) < 2 {
			return fmt.Errorf("usage: insert <collection> <json>")
		}
		raw := strings.TrimSpace(strings.TrimPrefix(input, "insert "+args[0]))
		doc := galdrdb.NewDoc()
		if err := json.Unmarshal([]byte(raw), doc); err != nil {
			return fmt.Errorf("bad document: %w", err)
		}
		id, err := db.Collection(args[0]).Insert(doc)
		if err != nil {
			return err
		}
		o.Println("id", id)
		return nil

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: delete <collection> <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad id %q", args[1])
		}
		ok, err := db.Collection(args[0]).DeleteByID(id)
		if err != nil {
			return err
		}
		o.Println("deleted:", ok)
		return nil

	case "query":
		if len(args) != 4 {
			return fmt.Errorf("usage: query <collection> <field> <op> <value>")
		}
		op, err := parseOp(args[2])
		if err != nil {
			return err
		}
		docs, err := db.Collection(args[0]).Query().Where(args[1], op, parseValue(args[3])).ToList()
		if err != nil {
			return err
		}
		for _, d := range docs {
			if err := printDoc(o, d); err != nil {
				return err
			}
		}
		o.Printf("(%d documents)\n", len(docs))
		return nil

	case "checkpoint":
		return db.Checkpoint()

	default:
		return fmt.Errorf("unknown command %q (try: collections count get insert delete query checkpoint exit)", cmd)
	}
}

func parseOp(s string) (galdrdb.Op, error) {
	switch strings.ToLower(s) {
	case "eq", "=", "==":
		return galdrdb.OpEq, nil
	case "neq", "!=":
		return galdrdb.OpNeq, nil
	case "lt", "<":
		return galdrdb.OpLt, nil
	case "lte", "<=":
		return galdrdb.OpLte, nil
	case "gt", ">":
		return galdrdb.OpGt, nil
	case "gte", ">=":
		return galdrdb.OpGte, nil
	case "startswith":
		return galdrdb.OpStartsWith, nil
	default:
		return 0, fmt.Errorf("unknown operator %q", s)
	}
}

// parseValue guesses a shell argument's type: number, bool, or string.
func parseValue(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return strings.Trim(s, `"`)
}

func printDoc(o *cli.IO, d *galdrdb.Doc) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	o.Printf("%d\t%s\n", d.ID, raw)
	return nil
}
