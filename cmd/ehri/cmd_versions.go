package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/actions"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

func versionsCmd() *cobra.Command {
	var (
		as     string
		latest bool
	)

	cmd := &cobra.Command{
		Use:   "versions <item-id>",
		Short: "Print the prior versions of an item, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			st, closeStore, err := newStore(ctx, logger)
			if err != nil {
				return fmt.Errorf("versions: opening graph: %w", err)
			}
			defer closeStore()

			versions := []*actions.Version{}
			err = st.View(ctx, func(tx graph.Tx) error {
				a, err := acl.ResolveAccessor(ctx, tx, as)
				if err != nil {
					return err
				}
				item, err := registry.Get(ctx, tx, args[0])
				if err != nil {
					return err
				}
				if err := acl.NewManager(tx, cfg.ACL.AdminGroup).CheckReadAccess(ctx, item, a); err != nil {
					return err
				}
				m := actions.NewManager(tx)
				if latest {
					v, err := m.PriorVersion(ctx, item)
					if v != nil {
						versions = append(versions, v)
					}
					return err
				}
				for v, err := range m.Versions(ctx, item) {
					if err != nil {
						return err
					}
					versions = append(versions, v)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("versions: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(versions)
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "id of the user to view versions as (default: anonymous)")
	cmd.Flags().BoolVar(&latest, "latest", false, "print only the most recent prior version")
	return cmd
}
