// Command galdrdb is the reference tool for GaldrDb database files.
//
// Usage:
//
//	galdrdb create <path> [--page-size N] [--no-wal] [--password P] [--kdf-iterations N]
//	galdrdb open <path> [--password P]
//	galdrdb info <path> [--password P]
//	galdrdb checkpoint <path> [--password P]
//	galdrdb compact <path> <target> [--password P]
//	galdrdb shell <path> [--password P]
//
// An optional galdrdb.jsonc file (JSON with comments) in the working
// directory supplies defaults for any flag not given explicitly.
//
// Exit codes: 0 success, 2 invalid arguments, 3 I/O error, 4 corruption,
// 5 wrong password.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/galdrdb/galdrdb"
	"github.com/galdrdb/galdrdb/internal/cli"
)

func main() {
	o := cli.NewIO(os.Stdout, os.Stderr)
	os.Exit(run(context.Background(), o, os.Args[1:]))
}

func run(ctx context.Context, o *cli.IO, args []string) int {
	commands := []*cli.Command{
		createCommand(),
		openCommand(),
		infoCommand(),
		checkpointCommand(),
		compactCommand(),
		shellCommand(),
	}

	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(o, commands)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	for _, c := range commands {
		if c.Name() == args[0] {
			return exitCode(c.Run(ctx, o, args[1:]))
		}
	}

	o.ErrPrintln("error: unknown command:", args[0])
	o.ErrPrintln()
	printUsage(o, commands)
	return 2
}

func printUsage(o *cli.IO, commands []*cli.Command) {
	o.Println("Usage: galdrdb <command> [flags]")
	o.Println()
	o.Println("Commands:")
	for _, c := range commands {
		o.Println(c.HelpLine())
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, galdrdb.ErrInvalidPassword):
		fmt.Fprintln(os.Stderr, "error:", err)
		return 5
	case errors.Is(err, galdrdb.ErrCorruption):
		fmt.Fprintln(os.Stderr, "error:", err)
		return 4
	case errors.Is(err, galdrdb.ErrIO):
		fmt.Fprintln(os.Stderr, "error:", err)
		return 3
	case errors.Is(err, cli.ErrUsage):
		// Bare ErrUsage means Command.Run already printed the parse
		// failure and help text.
		if err != cli.ErrUsage {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return 2
	case errors.Is(err, galdrdb.ErrInvalidArgument):
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
}

// dbFlags is the flag set shared by every command that opens a database.
type dbFlags struct {
	pageSize      uint32
	noWAL         bool
	password      string
	kdfIterations uint32
}

func (d *dbFlags) register(fs *flag.FlagSet, create bool) {
	fs.StringVar(&d.password, "password", "", "password for an encrypted database")
	if create {
		fs.Uint32Var(&d.pageSize, "page-size", 0, "page size in bytes (power of two, min 4096)")
		fs.BoolVar(&d.noWAL, "no-wal", false, "disable the write-ahead log")
		fs.Uint32Var(&d.kdfIterations, "kdf-iterations", 0, "PBKDF2 iteration count for --password")
	}
}

// config merges flag values over the optional galdrdb.jsonc file.
func (d *dbFlags) config() galdrdb.Config {
	cfg := loadFileConfig()
	if d.pageSize != 0 {
		cfg.PageSize = d.pageSize
	}
	if d.noWAL {
		cfg.DisableWAL = true
	}
	if d.password != "" {
		cfg.Encryption = &galdrdb.EncryptionConfig{
			Password:      d.password,
			KDFIterations: d.kdfIterations,
		}
	}
	return cfg
}

func createCommand() *cli.Command {
	var flags dbFlags
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	flags.register(fs, true)

	return &cli.Command{
		Flags: fs,
		Usage: "create <path> [flags]",
		Short: "Initialize a new database file",
		Exec: func(ctx context.Context, o *cli.IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: create takes exactly one path", cli.ErrUsage)
			}
			db, err := galdrdb.Create(args[0], flags.config())
			if err != nil {
				return err
			}
			defer db.Close()
			o.Println("created", args[0])
			return nil
		},
	}
}

func openCommand() *cli.Command {
	var flags dbFlags
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	flags.register(fs, false)

	return &cli.Command{
		Flags: fs,
		Usage: "open <path> [flags]",
		Short: "Open a database, replay its WAL, and verify it",
		Exec: func(ctx context.Context, o *cli.IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: open takes exactly one path", cli.ErrUsage)
			}
			db, err := galdrdb.Open(args[0], flags.config())
			if err != nil {
				return err
			}
			defer db.Close()
			o.Println("ok")
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	var flags dbFlags
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	flags.register(fs, false)

	return &cli.Command{
		Flags: fs,
		Usage: "info <path> [flags]",
		Short: "Print a database's layout and collections",
		Exec: func(ctx context.Context, o *cli.IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: info takes exactly one path", cli.ErrUsage)
			}
			db, err := galdrdb.Open(args[0], flags.config())
			if err != nil {
				return err
			}
			defer db.Close()

			info, err := db.Info()
			if err != nil {
				return err
			}
			o.Printf("path:            %s\n", info.Path)
			o.Printf("page size:       %d\n", info.PageSize)
			o.Printf("total pages:     %d\n", info.TotalPages)
			o.Printf("allocated pages: %d\n", info.AllocatedPages)
			o.Printf("wal bytes:       %d\n", info.WALBytes)
			o.Printf("encrypted:       %v\n", info.Encrypted)
			o.Printf("collections:     %d\n", len(info.Collections))
			for _, name := range info.Collections {
				if ci, ok := db.Schema().GetCollectionInfo(name); ok {
					o.Printf("  %s (%d indexes)\n", name, len(ci.Indexes))
				}
			}
			return nil
		},
	}
}

func checkpointCommand() *cli.Command {
	var flags dbFlags
	fs := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	flags.register(fs, false)

	return &cli.Command{
		Flags: fs,
		Usage: "checkpoint <path> [flags]",
		Short: "Fold the WAL into the main file and truncate it",
		Exec: func(ctx context.Context, o *cli.IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: checkpoint takes exactly one path", cli.ErrUsage)
			}

			cfg := flags.config()
			var folded int64
			cfg.Hooks = &galdrdb.Hooks{
				OnCheckpoint: func(walBytes int64) { folded = walBytes },
			}

			db, err := galdrdb.Open(args[0], cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.CheckpointCtx(ctx); err != nil {
				return err
			}
			o.Printf("checkpointed %d wal bytes\n", folded)
			return nil
		},
	}
}

func compactCommand() *cli.Command {
	var flags dbFlags
	fs := flag.NewFlagSet("compact", flag.ContinueOnError)
	flags.register(fs, false)

	return &cli.Command{
		Flags: fs,
		Usage: "compact <path> <target> [flags]",
		Short: "Rebuild a database into a fresh, dense file",
		Exec: func(ctx context.Context, o *cli.IO, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: compact takes a source and a target path", cli.ErrUsage)
			}
			db, err := galdrdb.Open(args[0], flags.config())
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := db.CompactToCtx(ctx, args[1])
			if err != nil {
				return err
			}
			o.Printf("copied %d documents across %d collections\n", result.DocumentsCopied, result.Collections)
			o.Printf("target size %d bytes (%d bytes saved)\n", result.TargetFileSize, result.BytesSaved)
			return nil
		},
	}
}
