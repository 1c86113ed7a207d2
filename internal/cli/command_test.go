package cli_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	flag "github.com/spf13/pflag"

	"github.com/galdrdb/galdrdb/internal/cli"
)

func newCommand(exec func(ctx context.Context, o *cli.IO, args []string) error) *cli.Command {
	fs := flag.NewFlagSet("x", flag.ContinueOnError)
	fs.Bool("verbose", false, "enable verbose output")
	return &cli.Command{
		Flags: fs,
		Usage: "frob <path> [flags]",
		Short: "Frob a database",
		Exec:  exec,
	}
}

func Test_Name_Is_First_Word_Of_Usage(t *testing.T) {
	t.Parallel()

	c := newCommand(nil)
	if got := c.Name(); got != "frob" {
		t.Fatalf("Name() = %q, want frob", got)
	}
}

func Test_Run_Parses_Flags_And_Passes_Args(t *testing.T) {
	t.Parallel()

	var gotArgs []string
	c := newCommand(func(_ context.Context, _ *cli.IO, args []string) error {
		gotArgs = args
		return nil
	})

	var out, errOut strings.Builder
	o := cli.NewIO(&out, &errOut)

	if err := c.Run(context.Background(), o, []string{"--verbose", "a", "b"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "a" || gotArgs[1] != "b" {
		t.Fatalf("args = %v, want [a b]", gotArgs)
	}
}

func Test_Run_Help_Prints_Usage_And_Succeeds(t *testing.T) {
	t.Parallel()

	c := newCommand(func(context.Context, *cli.IO, []string) error {
		t.Fatal("Exec must not run on --help")
		return nil
	})

	var out, errOut strings.Builder
	o := cli.NewIO(&out, &errOut)

	if err := c.Run(context.Background(), o, []string{"--help"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: galdrdb frob") {
		t.Fatalf("help output missing usage line:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "--verbose") {
		t.Fatalf("help output missing flag listing:\n%s", out.String())
	}
}

func Test_Run_Bad_Flag_Returns_Usage_Error(t *testing.T) {
	t.Parallel()

	c := newCommand(func(context.Context, *cli.IO, []string) error { return nil })

	var out, errOut strings.Builder
	o := cli.NewIO(&out, &errOut)

	err := c.Run(context.Background(), o, []string{"--no-such-flag"})
	if !errors.Is(err, cli.ErrUsage) {
		t.Fatalf("err = %v, want ErrUsage", err)
	}
	if !strings.Contains(errOut.String(), "error:") {
		t.Fatalf("stderr missing error line:\n%s", errOut.String())
	}
}
