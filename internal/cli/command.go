// Package cli is the small command dispatcher cmd/galdrdb is built on:
// a Command struct with unified help generation over spf13/pflag, plus
// an IO sink that keeps output testable.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// ErrUsage signals that the caller supplied invalid arguments; main maps
// it to exit code 2.
var ErrUsage = errors.New("invalid usage")

// Command defines a CLI command with unified help generation.
type Command struct {
	// Flags defines command-specific flags. The FlagSet name is not
	// used; command identity comes from Usage.
	Flags *flag.FlagSet

	// Usage is the freeform usage string shown after "galdrdb" in help.
	// Includes the command name and arguments/flags.
	// Examples: "create <path> [flags]", "info <path>"
	Usage string

	// Short is a one-line description for the global help listing.
	Short string

	// Long is the full description shown in command help. If empty,
	// Short is used instead.
	Long string

	// Exec runs the command after flags are parsed.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine returns the short help line for the main usage display.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp prints the full help output for "galdrdb <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: galdrdb", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}
	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder
		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses flags and executes the command. A parse failure prints help
// and returns ErrUsage; --help prints help and returns nil.
func (c *Command) Run(ctx context.Context, o *IO, args []string) error {
	c.Flags.SetOutput(&strings.Builder{}) // discard pflag's own output

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)
			return nil
		}
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)
		return ErrUsage
	}

	return c.Exec(ctx, o, c.Flags.Args())
}
