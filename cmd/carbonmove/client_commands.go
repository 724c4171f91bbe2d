package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/carbonmove/client"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Drive a running CarbonMove server over its HTTP API",
		Subcommands: []*cli.Command{
			clientMarketCommand(),
			clientPortfolioCommand(),
			clientCatalogCommand(),
			clientAccountCommand(),
			clientListCommand(),
			clientTokenCommand("buy", "Buy a listed credit"),
			clientTokenCommand("retire", "Retire a credit the operator account holds"),
			clientActionCommand(),
			clientActionsCommand(),
			clientWatchCommand(),
			clientUnwatchCommand(),
			clientStreamCommand(),
		},
	}
}

func getClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server-url"), nil, nil)
}

func clientMarketCommand() *cli.Command {
	return &cli.Command{
		Name:  "market",
		Usage: "Show credits listed on the marketplace",
		Flags: []cli.Flag{whereFlag()},
		Action: func(c *cli.Context) error {
			records, err := getClient(c).Market(c.Context)
			if err != nil {
				return fmt.Errorf("failed to fetch marketplace: %w", err)
			}
			return printClientRecords(c, records)
		},
	}
}

func clientPortfolioCommand() *cli.Command {
	return &cli.Command{
		Name:      "portfolio",
		Usage:     "Show the credits an account holds",
		ArgsUsage: "ACCOUNT_ADDRESS",
		Flags:     []cli.Flag{whereFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account address")
			}
			records, err := getClient(c).Portfolio(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to fetch portfolio: %w", err)
			}
			return printClientRecords(c, records)
		},
	}
}

func clientCatalogCommand() *cli.Command {
	return &cli.Command{
		Name:  "catalog",
		Usage: "Show the server's listing catalog",
		Action: func(c *cli.Context) error {
			catalog, err := getClient(c).Catalog(c.Context)
			if err != nil {
				return fmt.Errorf("failed to fetch catalog: %w", err)
			}
			return printResult(c, catalog, func() error {
				w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ASSET TYPE\tLABEL")
				for _, a := range catalog.AssetTypes {
					fmt.Fprintf(w, "%s\t%s\n", a.Value, a.Label)
				}
				w.Flush()
				fmt.Fprintf(stdout, "\nRegions: %s\n", strings.Join(catalog.Regions, ", "))
				return nil
			})
		},
	}
}

func clientAccountCommand() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Show the operator account the server acts for",
		Action: func(c *cli.Context) error {
			account, err := getClient(c).Account(c.Context)
			if err != nil {
				return fmt.Errorf("failed to fetch account: %w", err)
			}
			return printResult(c, account, func() error {
				if !account.Configured {
					fmt.Fprintln(stdout, "No signer configured")
					return nil
				}
				fmt.Fprintf(stdout, "Address:  %s\n", account.Address)
				fmt.Fprintf(stdout, "Admin:    %v\n", account.IsAdmin)
				return nil
			})
		},
	}
}

func waitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "wait",
			Aliases: []string{"w"},
			Usage:   "Wait for the action to reach a final status",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Maximum time to wait with --wait",
			Value: 2 * time.Minute,
		},
		&cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "How often to poll the action ledger with --wait",
			Value: time.Second,
		},
	}
}

func clientListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "Mint and list a new credit (server signer must be the admin)",
		Flags: append(listingFlags(), waitFlags()...),
		Action: func(c *cli.Context) error {
			req := client.ListRequest{
				ProjectName: c.String("project"),
				TokenName:   c.String("token-name"),
				Amount:      c.Uint64("amount"),
				Region:      c.String("region"),
				AssetType:   c.String("asset-type"),
				ImageURL:    c.String("image-url"),
				PriceAPT:    c.String("price"),
			}
			started, err := getClient(c).List(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to list credit: %w", err)
			}
			return reportStarted(c, started)
		},
	}
}

func clientTokenCommand(kind, usage string) *cli.Command {
	return &cli.Command{
		Name:      kind,
		Usage:     usage,
		ArgsUsage: "TOKEN_ID",
		Flags:     waitFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: token ID")
			}
			cl := getClient(c)
			var (
				started *client.ActionStarted
				err     error
			)
			if kind == "buy" {
				started, err = cl.Buy(c.Context, c.Args().First())
			} else {
				started, err = cl.Retire(c.Context, c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to %s credit: %w", kind, err)
			}
			return reportStarted(c, started)
		},
	}
}

// reportStarted prints the accepted action and, with --wait, its final
// ledger entry.
func reportStarted(c *cli.Context, started *client.ActionStarted) error {
	if !c.Bool("wait") {
		return printResult(c, started, func() error {
			fmt.Fprintf(stdout, "✓ %s accepted\n", started.Kind)
			fmt.Fprintf(stdout, "  Workflow: %s\n", started.WorkflowID)
			if started.TokenID != "" {
				fmt.Fprintf(stdout, "  Token:    %s\n", started.TokenID)
			}
			return nil
		})
	}

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if timeout := c.Duration("timeout"); timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	action, err := getClient(c).AwaitAction(ctx, started.WorkflowID, c.Duration("poll-interval"))
	if err != nil {
		return err
	}
	if err := printAction(c, action); err != nil {
		return err
	}
	if action.Status == client.StatusFailed {
		return fmt.Errorf("%s failed", action.Kind)
	}
	return nil
}

func clientActionCommand() *cli.Command {
	return &cli.Command{
		Name:      "action",
		Usage:     "Show one action from the ledger",
		ArgsUsage: "WORKFLOW_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: workflow ID")
			}
			action, err := getClient(c).GetAction(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get action: %w", err)
			}
			return printAction(c, action)
		},
	}
}

func clientActionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "actions",
		Usage: "List recent actions from the ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sender", Usage: "Only actions sent by this account"},
			&cli.StringFlag{Name: "kind", Usage: "Only actions of this kind (list, buy, retire)"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of actions", Value: 50},
			&cli.IntFlag{Name: "offset", Usage: "Number of actions to skip"},
		},
		Action: func(c *cli.Context) error {
			actions, err := getClient(c).ListActions(c.Context, client.ListActionsOptions{
				Sender: c.String("sender"),
				Kind:   c.String("kind"),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to list actions: %w", err)
			}
			return printResult(c, actions, func() error {
				w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "WORKFLOW ID\tKIND\tSTATUS\tTOKEN\tTX HASH\tCREATED")
				for _, a := range actions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						a.WorkflowID, a.Kind, a.Status,
						deref(a.TokenID), deref(a.TxHash),
						a.CreatedAt.Format(time.RFC3339),
					)
				}
				w.Flush()
				fmt.Fprintf(os.Stderr, "\nTotal: %d actions\n", len(actions))
				return nil
			})
		},
	}
}

func clientWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Schedule periodic refreshes of an account's holdings",
		ArgsUsage: "ACCOUNT_ADDRESS",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Refresh interval (server default when unset)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account address")
			}
			watch, err := getClient(c).Watch(c.Context, c.Args().First(), c.Duration("interval"))
			if err != nil {
				return fmt.Errorf("failed to watch account: %w", err)
			}
			return printResult(c, watch, func() error {
				fmt.Fprintf(stdout, "✓ Watching %s every %s\n", watch.Address, watch.Interval)
				return nil
			})
		},
	}
}

func clientUnwatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "unwatch",
		Usage:     "Stop refreshing an account",
		ArgsUsage: "ACCOUNT_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account address")
			}
			address := c.Args().First()
			if err := getClient(c).Unwatch(c.Context, address); err != nil {
				return fmt.Errorf("failed to unwatch account: %w", err)
			}
			fmt.Fprintf(stdout, "✓ Stopped watching %s\n", address)
			return nil
		},
	}
}

func clientStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Stream marketplace events from the server",
		Description: `Connects to the server's SSE endpoint and prints action and refresh
events as they happen. Press Ctrl+C to stop.

Example:
  carbonmove client stream --kind buy
  carbonmove client stream --account 0x1a2b... --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Usage: "Only action events of this kind (list, buy, retire)"},
			&cli.StringFlag{Name: "account", Usage: "Only events for this account"},
			&cli.IntFlag{Name: "limit", Usage: "Stop after this many events (0 streams forever)"},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			limit := c.Int("limit")
			count := 0
			opts := client.StreamOptions{Kind: c.String("kind"), Account: c.String("account")}
			return getClient(c).Stream(ctx, opts, func(e client.Event) error {
				if err := printEvent(c, e); err != nil {
					return err
				}
				count++
				if limit > 0 && count >= limit {
					return client.ErrStopStream
				}
				return nil
			})
		},
	}
}

func printEvent(c *cli.Context, e client.Event) error {
	if c.String("jq") != "" || c.Bool("json") {
		var v interface{} = e
		if len(e.Raw) > 0 {
			var raw map[string]interface{}
			if err := json.Unmarshal(e.Raw, &raw); err == nil {
				v = raw
			}
		}
		if expr := c.String("jq"); expr != "" {
			code, err := compileJQ(expr)
			if err != nil {
				return err
			}
			return runJQ(code, v, stdout)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
		return nil
	}

	ts := e.OccurredAt.Format("15:04:05")
	switch {
	case e.Kind != "":
		status := "✓"
		if !e.Success {
			status = "✗"
		}
		fmt.Fprintf(stdout, "[%s] %s %s %s token=%s hash=%s\n", ts, status, e.Kind, e.Account, e.TokenID, e.Hash)
	default:
		fmt.Fprintf(stdout, "[%s] %s %s market=%d portfolio=%d\n", ts, e.Type, e.Account, e.MarketCount, e.PortfolioCount)
	}
	return nil
}

func printAction(c *cli.Context, a *client.Action) error {
	return printResult(c, a, func() error {
		fmt.Fprintf(stdout, "Workflow:  %s\n", a.WorkflowID)
		fmt.Fprintf(stdout, "Kind:      %s\n", a.Kind)
		fmt.Fprintf(stdout, "Sender:    %s\n", a.Sender)
		fmt.Fprintf(stdout, "Status:    %s\n", a.Status)
		if a.TokenID != nil {
			fmt.Fprintf(stdout, "Token:     %s\n", *a.TokenID)
		}
		if a.TxHash != nil {
			fmt.Fprintf(stdout, "Tx Hash:   %s\n", *a.TxHash)
		}
		if a.Version != nil {
			fmt.Fprintf(stdout, "Version:   %s\n", *a.Version)
		}
		if a.VMStatus != nil {
			fmt.Fprintf(stdout, "VM Status: %s\n", *a.VMStatus)
		}
		if a.Error != nil {
			fmt.Fprintf(stdout, "Error:     %s\n", *a.Error)
		}
		return nil
	})
}

func printClientRecords(c *cli.Context, records *client.Records) error {
	filters, err := compileJQFilters(c.StringSlice("where"))
	if err != nil {
		return err
	}
	kept := make([]client.CreditRecord, 0, len(records.Records))
	for _, r := range records.Records {
		ok, err := matchesAll(filters, r)
		if err != nil {
			return err
		}
		if ok {
			kept = append(kept, r)
		}
	}
	out := *records
	out.Records = kept
	out.Count = len(kept)

	return printResult(c, out, func() error {
		rows := make([]recordRow, len(kept))
		for i, r := range kept {
			rows[i] = recordRow{r.TokenID, r.ProjectName, r.CarbonAmount, r.Price, r.Listed}
		}
		writeRecordTable(rows)
		fmt.Fprintf(os.Stderr, "Refreshed: %s\n", out.RefreshedAt.Format(time.RFC3339))
		return nil
	})
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
