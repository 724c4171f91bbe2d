package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/carbonmove/service/db"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "List migration files without applying them",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("dry-run") {
				files, err := db.MigrationFiles()
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Fprintln(stdout, f)
				}
				return nil
			}

			pool, err := getPool(c)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(c.Context, pool)
			if err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(stdout, "✓ Schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(stdout, "✓ Applied %s\n", name)
			}
			return nil
		},
	}
}

func listActionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-actions",
		Usage: "List recorded marketplace actions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sender", Usage: "Filter by sender address"},
			&cli.StringFlag{Name: "kind", Usage: "Filter by action kind (list, buy, retire)"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of actions", Value: 50},
			&cli.IntFlag{Name: "offset", Usage: "Number of actions to skip"},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			actions, err := store.ListActions(context.Background(), db.ListActionsParams{
				Sender: c.String("sender"),
				Kind:   c.String("kind"),
				Limit:  int32(c.Int("limit")),
				Offset: int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list actions: %w", err)
			}

			out := make([]map[string]interface{}, len(actions))
			for i, a := range actions {
				out[i] = actionJSON(a)
			}
			return printResult(c, out, func() error {
				w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "WORKFLOW ID\tKIND\tSENDER\tSTATUS\tTOKEN\tUPDATED")
				for _, a := range actions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						a.WorkflowID, a.Kind, a.Sender, a.Status,
						deref(a.TokenID), a.UpdatedAt.Format(time.RFC3339),
					)
				}
				w.Flush()
				fmt.Fprintf(os.Stderr, "\nTotal: %d actions\n", len(actions))
				return nil
			})
		},
	}
}

func getActionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-action",
		Usage:     "Show a recorded action",
		ArgsUsage: "WORKFLOW_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: workflow ID")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			action, err := store.GetAction(context.Background(), c.Args().First())
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("action not found: %s", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get action: %w", err)
			}

			return printResult(c, actionJSON(action), func() error {
				fmt.Fprintf(stdout, "Workflow:  %s\n", action.WorkflowID)
				fmt.Fprintf(stdout, "Kind:      %s\n", action.Kind)
				fmt.Fprintf(stdout, "Sender:    %s\n", action.Sender)
				fmt.Fprintf(stdout, "Status:    %s\n", action.Status)
				fmt.Fprintf(stdout, "Token:     %s\n", deref(action.TokenID))
				fmt.Fprintf(stdout, "Tx Hash:   %s\n", deref(action.TxHash))
				fmt.Fprintf(stdout, "Version:   %s\n", deref(action.Version))
				fmt.Fprintf(stdout, "VM Status: %s\n", deref(action.VMStatus))
				if action.Error != nil {
					fmt.Fprintf(stdout, "Error:     %s\n", *action.Error)
				}
				fmt.Fprintf(stdout, "Created:   %s\n", action.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(stdout, "Updated:   %s\n", action.UpdatedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func pruneActionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune-actions",
		Usage: "Delete recorded actions older than a retention window",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "Retention window",
				Value: 30 * 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			retention := c.Duration("older-than")
			if retention <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			cutoff := time.Now().Add(-retention)
			deleted, err := store.DeleteActionsOlderThan(context.Background(), cutoff)
			if err != nil {
				return fmt.Errorf("failed to prune actions: %w", err)
			}
			fmt.Fprintf(stdout, "✓ Deleted %d actions older than %s\n", deleted, cutoff.Format(time.RFC3339))
			return nil
		},
	}
}

func actionJSON(a *db.Action) map[string]interface{} {
	out := map[string]interface{}{
		"workflow_id": a.WorkflowID,
		"kind":        a.Kind,
		"sender":      a.Sender,
		"status":      a.Status,
		"created_at":  a.CreatedAt,
		"updated_at":  a.UpdatedAt,
	}
	for key, v := range map[string]*string{
		"token_id":  a.TokenID,
		"tx_hash":   a.TxHash,
		"vm_status": a.VMStatus,
		"version":   a.Version,
		"error":     a.Error,
	} {
		if v != nil {
			out[key] = *v
		}
	}
	if len(a.Payload) > 0 {
		out["payload"] = json.RawMessage(a.Payload)
	}
	return out
}

// Helper function to connect to database
func getPool(c *cli.Context) (*pgxpool.Pool, error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	pool, err := db.NewPool(context.Background(), dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	pool, err := getPool(c)
	if err != nil {
		return nil, nil, err
	}
	return db.NewStore(pool, nil), pool.Close, nil
}
