package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/graph"
)

func checkCmd() *cobra.Command {
	var req acl.CheckRequest

	cmd := &cobra.Command{
		Use:   "check <accessor> <permission> [content-type]",
		Short: "Check whether a user or group holds a permission",
		Long: `Checks a permission on a content type, or on one item with --entity.
Items are checked in their own permission scope unless --scope is given.
Exits non-zero when the permission is denied.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Accessor, req.Permission = args[0], args[1]
			if len(args) == 3 {
				req.Class = args[2]
			}
			if (req.Class == "") == (req.Entity == "") {
				return fmt.Errorf("check: exactly one of a content type and --entity is required")
			}
			logger := newLogger()
			ctx := cmd.Context()

			st, closeStore, err := newStore(ctx, logger)
			if err != nil {
				return fmt.Errorf("check: opening graph: %w", err)
			}
			defer closeStore()

			var decision acl.Decision
			err = st.View(ctx, func(tx graph.Tx) error {
				var err error
				decision, err = acl.Check(ctx, tx, cfg.ACL.AdminGroup, req)
				return err
			})
			if err != nil {
				return fmt.Errorf("check: %w", err)
			}
			if !decision.Allowed {
				return fmt.Errorf("check: %s", decision.Reason)
			}
			fmt.Printf("Allowed: %s may %s.\n", req.Accessor, req.Permission)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Entity, "entity", "", "id of the item to check")
	cmd.Flags().StringVar(&req.Scope, "scope", "", "id of the scope item")
	return cmd
}
