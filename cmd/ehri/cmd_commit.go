package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/actions"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
)

func commitCmd() *cobra.Command {
	var (
		as        string
		eventType string
		subjects  []string
		message   string
		scope     string
		version   bool
	)

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Record an event against one or more items",
		Long: `Records an event performed by a user. The user must hold the permission the
event type requires on every subject. With --version, the first subject is
snapshotted before the event is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			et, ok := models.ParseEventType(eventType)
			if !ok {
				return fmt.Errorf("commit: unknown event type %q", eventType)
			}

			st, closeStore, err := newStore(ctx, logger)
			if err != nil {
				return fmt.Errorf("commit: opening graph: %w", err)
			}
			defer closeStore()

			var event *actions.SystemEvent
			err = st.Update(ctx, func(tx graph.Tx) error {
				actioner, err := acl.ResolveAccessor(ctx, tx, as)
				if err != nil {
					return err
				}
				m := actions.NewManager(tx, actions.WithLogger(logger))
				event, err = m.Record(ctx, acl.NewManager(tx, cfg.ACL.AdminGroup), actions.Request{
					Actioner:   actioner,
					EventType:  et,
					Subjects:   subjects,
					LogMessage: message,
					Scope:      scope,
					Version:    version,
				})
				return err
			})
			if err != nil {
				return fmt.Errorf("commit: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(event)
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "id of the user performing the action (required)")
	cmd.Flags().StringVar(&eventType, "type", string(models.EventModification), "event type")
	cmd.Flags().StringSliceVar(&subjects, "subject", nil, "id of an item the event concerns (repeatable)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "log message")
	cmd.Flags().StringVar(&scope, "scope", "", "id of the scope item (default: the first subject's scope)")
	cmd.Flags().BoolVar(&version, "version", false, "snapshot the first subject before committing")
	_ = cmd.MarkFlagRequired("as")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
