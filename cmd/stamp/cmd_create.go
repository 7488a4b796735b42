package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/daviddao/stampdb/pkg/commit"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (a *app) newCreateCmd() *cobra.Command {
	var (
		who        authorFlags
		typeName   string
		value      string
		assemblage string
	)
	cmd := &cobra.Command{
		Use:   "create <name> --value V",
		Short: "Create a component with its first version",
		Long: `create starts the chronicle of a new component. The component's UUID is
derived from its name, so the same name always means the same component.
Every later version must have the same type and assemblage.`,
		Example: "  stamp create heart --type description --value \"Heart structure\"\n  stamp create weight --type long --value 72 --assemblage vitals",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]
			if nid, err := a.lookup(kindComponent, name); err == nil {
				if _, err := store.LoadChronicle(ctx, a.store, nid); err == nil {
					return fmt.Errorf("component %q already exists (nid %d), use edit", name, nid)
				} else if !errors.Is(err, model.ErrNotFound) {
					return err
				}
			}
			vt, err := model.ParseVersionType(typeName)
			if err != nil {
				return err
			}
			payload, err := a.parsePayload(vt, value)
			if err != nil {
				return err
			}
			r, err := a.resolveAuthor(&who)
			if err != nil {
				return err
			}
			asm, err := a.intern(kindComponent, assemblage)
			if err != nil {
				return err
			}
			res, err := a.svc.Committer().Commit(ctx, commit.Edit{
				UUIDs:      []uuid.UUID{nameUUID(kindComponent, name)},
				Assemblage: asm,
				Status:     model.StatusActive,
				Time:       r.time,
				Author:     r.author,
				Module:     r.module,
				Path:       r.path,
				Payload:    payload,
			})
			if err != nil {
				return err
			}
			a.printCommit(cmd.OutOrStdout(), "created", name, res)
			return nil
		},
	}
	who.register(cmd)
	cmd.Flags().StringVar(&typeName, "type", "string", "version type: concept, description, relationship, member, nid, nid-pair, string, long")
	cmd.Flags().StringVar(&value, "value", "", "payload value (component pairs as a,b)")
	cmd.Flags().StringVar(&assemblage, "assemblage", "default", "assemblage the component belongs to")
	return cmd
}

// printCommit reports a committed version.
func (a *app) printCommit(w io.Writer, verb, name string, res commit.Result) {
	if a.jsonOut {
		printJSON(w, res)
		return
	}
	fmt.Fprintf(w, "%s %s (nid %d) at stamp %d: %s %s on %s\n",
		verb, name, res.Nid, res.Seq, res.Stamp.Status, model.FormatTime(res.Stamp.Time),
		a.pathName(res.Stamp.Path))
	fmt.Fprintf(w, "  %s %s\n", res.Version.Type(), formatPayload(res.Version.Payload))
}
