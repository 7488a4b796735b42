package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/daviddao/stampdb/pkg/config"
	"github.com/daviddao/stampdb/pkg/store"
	"github.com/spf13/cobra"
)

func (a *app) newInitCmd() *cobra.Command {
	var backend, author, module string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and create the store",
		Long: `init writes a config file (unless one exists), opens the store it names
and defines the configured paths. Running it again is harmless.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := or(a.configPath, or(os.Getenv(config.EnvConfig), config.DefaultConfig))
			wrote := false
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				cfg := config.Default()
				cfg.ApplyEnv()
				if backend != "" {
					cfg.Store.Backend = backend
				}
				if cfg.Store.Backend == store.BackendBadger && cfg.Store.Path == config.DefaultDB {
					cfg.Store.Path = config.DefaultDir + "/badger"
				}
				if a.dbPath != "" {
					cfg.Store.Path = a.dbPath
				}
				cfg.Defaults.Author = or(author, cfg.Defaults.Author)
				cfg.Defaults.Module = or(module, cfg.Defaults.Module)
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := cfg.SaveToFile(path); err != nil {
					return err
				}
				wrote = true
			}
			a.configPath = path
			if err := a.open(cmd.Context()); err != nil {
				return err
			}

			if a.jsonOut {
				printJSON(cmd.OutOrStdout(), map[string]any{
					"config":       path,
					"config_wrote": wrote,
					"backend":      a.cfg.Store.Backend,
					"store":        a.cfg.Store.Path,
					"paths":        a.svc.Graph().Len(),
				})
				return nil
			}
			w := cmd.OutOrStdout()
			if wrote {
				fmt.Fprintf(w, "wrote %s\n", path)
			} else {
				fmt.Fprintf(w, "using existing %s\n", path)
			}
			fmt.Fprintf(w, "%s store at %s, %d path(s) defined\n", a.cfg.Store.Backend, a.cfg.Store.Path, a.svc.Graph().Len())
			if a.cfg.Defaults.Author == "" {
				fmt.Fprintf(w, "\nTip: set %s or defaults.author so edits need no --author.\n", config.EnvAuthor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "store backend: sqlite, badger or memory")
	cmd.Flags().StringVar(&author, "author", "", "default author written to the config")
	cmd.Flags().StringVar(&module, "module", "", "default module written to the config")
	return cmd
}
