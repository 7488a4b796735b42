// Command stamp is the stampdb CLI: commit versioned edits to components
// and read them back as of any time, on any path.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string) int {
	err := execute(ctx, &app{}, args, os.Stdout)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errConflicts):
		return 2
	}
	fmt.Fprintf(os.Stderr, "stamp: %v\n", err)
	return 1
}

// execute runs one command line against a and closes whatever it opened.
func execute(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	defer a.Close()
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	return root.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "stamp",
		Short: "Bi-temporal, multi-author versioned component store",
		Long: `stamp records every edit to a component as a new version stamped with
status, time, author, module and path. Nothing is overwritten. Reads pick
the latest version visible from a point in time on a path, and report
conflicting edits instead of hiding them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "init" {
				return nil
			}
			return a.open(cmd.Context())
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (env STAMPDB_CONFIG, default .stampdb/config.yaml)")
	pf.StringVar(&a.dbPath, "db", "", "database path (env STAMPDB_DB)")
	pf.BoolVar(&a.jsonOut, "json", false, "JSON output")
	pf.BoolVar(&a.debug, "debug", false, "log debug output to stderr")

	root.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "write", Title: "Editing:"},
		&cobra.Group{ID: "read", Title: "Reading:"},
	)
	for _, c := range []struct {
		group string
		cmd   *cobra.Command
	}{
		{"setup", a.newInitCmd()},
		{"setup", a.newPathCmd()},
		{"setup", a.newStatusCmd()},
		{"write", a.newCreateCmd()},
		{"write", a.newEditCmd()},
		{"write", a.newRetireCmd()},
		{"read", a.newShowCmd()},
		{"read", a.newHistoryCmd()},
		{"read", a.newListCmd()},
		{"read", a.newConflictsCmd()},
		{"read", a.newStampsCmd()},
	} {
		c.cmd.GroupID = c.group
		root.AddCommand(c.cmd)
	}
	return root
}
