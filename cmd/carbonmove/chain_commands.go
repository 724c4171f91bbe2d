package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/market"
)

// chainCommands talk to an Aptos node directly, signing with a local key.
func chainCommands() *cli.Command {
	return &cli.Command{
		Name:  "chain",
		Usage: "Read the marketplace and sign actions directly against an Aptos node",
		Description: `Commands in this group bypass the server. Reads go through the
indexer and view functions; actions are signed with the key from
--private-key or --mnemonic and wait for the transaction to commit.

Example:
  carbonmove chain market --where '.listed'
  carbonmove chain buy 0x5f1c...`,
		Flags: chainFlags(),
		Subcommands: []*cli.Command{
			chainMarketCommand(),
			chainPortfolioCommand(),
			chainCatalogCommand(),
			chainAccountCommand(),
			chainListCommand(),
			chainTokenCommand(market.ActionBuy, "Buy a listed credit"),
			chainTokenCommand(market.ActionRetire, "Retire a credit you hold"),
		},
	}
}

func chainFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "node-url",
			Usage:   "Aptos fullnode REST URL",
			EnvVars: []string{"APTOS_NODE_URL"},
			Value:   "https://fullnode.testnet.aptoslabs.com/v1",
		},
		&cli.StringFlag{
			Name:    "indexer-url",
			Usage:   "Aptos indexer GraphQL URL",
			EnvVars: []string{"APTOS_INDEXER_URL"},
			Value:   "https://api.testnet.aptoslabs.com/v1/graphql",
		},
		&cli.StringFlag{
			Name:    "api-key",
			Usage:   "Aptos API key",
			EnvVars: []string{"APTOS_API_KEY"},
		},
		&cli.Float64Flag{
			Name:    "rate-limit",
			Usage:   "Maximum node requests per second (0 disables limiting)",
			EnvVars: []string{"RPC_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "module-address",
			Usage:   "Address the carbon credit module is published under",
			EnvVars: []string{"CARBON_MODULE_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    "module-name",
			Usage:   "Carbon credit module name",
			EnvVars: []string{"CARBON_MODULE_NAME"},
			Value:   "carbon_credit_v3",
		},
		&cli.StringFlag{
			Name:    "collection",
			Usage:   "Token collection name",
			EnvVars: []string{"CARBON_COLLECTION_NAME"},
			Value:   "CarbonMove Market V3",
		},
		&cli.StringFlag{
			Name:    "catalog-file",
			Usage:   "YAML catalog of asset types and regions (defaults to the built-in catalog)",
			EnvVars: []string{"CATALOG_FILE"},
		},
		&cli.StringFlag{
			Name:    "private-key",
			Usage:   "Hex ed25519 private key used to sign actions",
			EnvVars: []string{"SIGNER_PRIVATE_KEY"},
		},
		&cli.StringFlag{
			Name:    "mnemonic",
			Usage:   "BIP-39 mnemonic used to derive the signing key",
			EnvVars: []string{"SIGNER_MNEMONIC"},
		},
		&cli.StringFlag{
			Name:    "derivation-path",
			Usage:   "Derivation path for --mnemonic",
			EnvVars: []string{"SIGNER_DERIVATION_PATH"},
			Value:   aptos.DefaultDerivationPath,
		},
		&cli.IntFlag{
			Name:    "view-concurrency",
			Usage:   "Maximum concurrent view calls while resolving tokens",
			EnvVars: []string{"VIEW_CONCURRENCY"},
			Value:   8,
		},
		&cli.DurationFlag{
			Name:    "finality-timeout",
			Usage:   "How long to wait for a submitted transaction to commit",
			EnvVars: []string{"FINALITY_TIMEOUT"},
			Value:   market.DefaultFinalityTimeout,
		},
		&cli.DurationFlag{
			Name:    "refresh-delay",
			Usage:   "Delay before re-reading state after a committed action",
			EnvVars: []string{"REFRESH_DELAY"},
			Value:   market.DefaultRefreshDelay,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level for chain diagnostics (debug, info, warn, error)",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "warn",
		},
	}
}

// chainStack is everything the chain commands need, built from flags.
type chainStack struct {
	contract   market.Contract
	catalog    *market.Catalog
	aggregator *market.Aggregator
	service    *market.Service
	dispatcher *market.Dispatcher
	logger     *slog.Logger
}

func newChainStack(c *cli.Context, opts ...market.DispatcherOption) (*chainStack, error) {
	logger := setupLogger(c.String("log-level"))

	contract, err := market.NewContract(c.String("module-address"), c.String("module-name"), c.String("collection"))
	if err != nil {
		return nil, fmt.Errorf("invalid contract configuration (set CARBON_MODULE_ADDRESS or --module-address): %w", err)
	}

	catalog, err := market.LoadCatalog(c.String("catalog-file"))
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	clientOpts := []aptos.ClientOption{aptos.WithRateLimit(c.Float64("rate-limit"), 4)}
	if key := c.String("api-key"); key != "" {
		clientOpts = append(clientOpts, aptos.WithAPIKey(key))
	}
	rpc, err := aptos.NewSDKClient(c.String("node-url"), c.String("indexer-url"), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create aptos client: %w", err)
	}
	chain := aptos.NewClient(rpc, nil, logger)

	aggregator := market.NewAggregator(chain, contract, c.Int("view-concurrency"), nil, logger)
	svc := market.NewService(aggregator, contract, nil, logger)
	opts = append([]market.DispatcherOption{
		market.WithFinalityTimeout(c.Duration("finality-timeout")),
		market.WithRefreshDelay(c.Duration("refresh-delay")),
		market.WithRefresher(svc),
	}, opts...)
	return &chainStack{
		contract:   contract,
		catalog:    catalog,
		aggregator: aggregator,
		service:    svc,
		dispatcher: market.NewDispatcher(chain, contract, catalog, logger, opts...),
		logger:     logger,
	}, nil
}

func loadSigner(c *cli.Context) (*aptos.Signer, error) {
	signer, err := aptos.LoadSigner(c.String("private-key"), c.String("mnemonic"), c.String("derivation-path"))
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, errors.New("a signer is required (set SIGNER_PRIVATE_KEY or SIGNER_MNEMONIC)")
	}
	return signer, nil
}

func whereFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "where",
		Usage: "jq expression each record must satisfy (repeatable)",
	}
}

func chainMarketCommand() *cli.Command {
	return &cli.Command{
		Name:  "market",
		Usage: "Show credits listed on the marketplace",
		Flags: []cli.Flag{whereFlag()},
		Action: func(c *cli.Context) error {
			stack, err := newChainStack(c)
			if err != nil {
				return err
			}
			records, err := stack.aggregator.Fetch(c.Context, stack.contract.Address, true)
			if err != nil {
				return err
			}
			return printMarketRecords(c, records)
		},
	}
}

func chainPortfolioCommand() *cli.Command {
	return &cli.Command{
		Name:      "portfolio",
		Usage:     "Show the credits an account holds",
		ArgsUsage: "[ACCOUNT_ADDRESS]",
		Description: `With no argument, shows the holdings of the configured signer.

Example:
  carbonmove chain portfolio 0x1a2b...`,
		Flags: []cli.Flag{whereFlag()},
		Action: func(c *cli.Context) error {
			account := c.Args().First()
			if account == "" {
				signer, err := loadSigner(c)
				if err != nil {
					return fmt.Errorf("account address is required: %w", err)
				}
				account = signer.Address()
			}
			account, err := aptos.NormalizeAddress(account)
			if err != nil {
				return err
			}

			stack, err := newChainStack(c)
			if err != nil {
				return err
			}
			records, err := stack.aggregator.Fetch(c.Context, account, false)
			if err != nil {
				return err
			}
			return printMarketRecords(c, records)
		},
	}
}

func chainCatalogCommand() *cli.Command {
	return &cli.Command{
		Name:  "catalog",
		Usage: "Show the asset types and regions a listing may use",
		Action: func(c *cli.Context) error {
			catalog, err := market.LoadCatalog(c.String("catalog-file"))
			if err != nil {
				return fmt.Errorf("failed to load catalog: %w", err)
			}
			return printResult(c, catalog, func() error {
				w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ASSET TYPE\tLABEL\tIMAGE")
				for _, a := range catalog.AssetTypes {
					fmt.Fprintf(w, "%s\t%s\t%s\n", a.Value, a.Label, a.Image)
				}
				w.Flush()
				fmt.Fprintf(stdout, "\nRegions: %s\n", strings.Join(catalog.Regions, ", "))
				d := catalog.Defaults
				fmt.Fprintf(stdout, "Defaults: %s in %s, %q, %d tonnes at %s APT\n",
					d.AssetType, d.Region, d.ProjectName, d.Amount, d.Price)
				return nil
			})
		},
	}
}

func chainAccountCommand() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Show the signer's address and whether it can list credits",
		Action: func(c *cli.Context) error {
			signer, err := loadSigner(c)
			if err != nil {
				return err
			}
			contract, err := market.NewContract(c.String("module-address"), c.String("module-name"), c.String("collection"))
			if err != nil {
				return fmt.Errorf("invalid contract configuration: %w", err)
			}
			out := map[string]interface{}{
				"address":    signer.Address(),
				"public_key": signer.PublicKeyHex(),
				"is_admin":   contract.IsAdmin(signer.Address()),
			}
			return printResult(c, out, func() error {
				fmt.Fprintf(stdout, "Address:     %s\n", signer.Address())
				fmt.Fprintf(stdout, "Public Key:  %s\n", signer.PublicKeyHex())
				fmt.Fprintf(stdout, "Admin:       %v\n", contract.IsAdmin(signer.Address()))
				return nil
			})
		},
	}
}

func listingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "project", Usage: "Project name"},
		&cli.StringFlag{Name: "token-name", Usage: "Token name (defaults to the project name)"},
		&cli.Uint64Flag{Name: "amount", Usage: "Carbon amount in tonnes"},
		&cli.StringFlag{Name: "region", Usage: "Project region"},
		&cli.StringFlag{Name: "asset-type", Usage: "Asset type (see the catalog command)"},
		&cli.StringFlag{Name: "image-url", Usage: "Token image URL (defaults to the asset type's image)"},
		&cli.StringFlag{Name: "price", Usage: "Price in APT"},
	}
}

func chainListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "Mint a new credit and list it on the marketplace (admin only)",
		Description: `Unset fields take the catalog defaults.

Example:
  carbonmove chain list --project "Mangrove Restoration" --region India --asset-type Nature --amount 250 --price 0.5`,
		Flags: listingFlags(),
		Action: func(c *cli.Context) error {
			req := market.ListRequest{
				ProjectName: c.String("project"),
				TokenName:   c.String("token-name"),
				Amount:      c.Uint64("amount"),
				Region:      c.String("region"),
				AssetType:   c.String("asset-type"),
				ImageURL:    c.String("image-url"),
				PriceAPT:    c.String("price"),
			}
			return runChainAction(c, func(ctx context.Context, d *market.Dispatcher, signer *aptos.Signer) (*market.Outcome, error) {
				return d.List(ctx, signer, req)
			})
		},
	}
}

func chainTokenCommand(kind market.ActionKind, usage string) *cli.Command {
	return &cli.Command{
		Name:      string(kind),
		Usage:     usage,
		ArgsUsage: "TOKEN_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: token ID")
			}
			tokenID := c.Args().First()
			return runChainAction(c, func(ctx context.Context, d *market.Dispatcher, signer *aptos.Signer) (*market.Outcome, error) {
				if kind == market.ActionRetire {
					return d.Retire(ctx, signer, tokenID)
				}
				return d.Buy(ctx, signer, tokenID)
			})
		},
	}
}

// runChainAction signs and submits one action, waits for it to commit, then
// re-reads the signer's view after the refresh delay.
func runChainAction(c *cli.Context, execute func(context.Context, *market.Dispatcher, *aptos.Signer) (*market.Outcome, error)) error {
	signer, err := loadSigner(c)
	if err != nil {
		return err
	}
	human := !c.Bool("json") && c.String("jq") == ""
	stack, err := newChainStack(c, market.WithSubmitHook(func(action market.Action, hash string) {
		if human {
			fmt.Fprintf(os.Stderr, "Submitted %s: %s\n", action.Kind, hash)
		}
	}))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := execute(ctx, stack.dispatcher, signer)
	if err != nil {
		if out != nil {
			result := out.Result
			_ = printResult(c, result, func() error {
				fmt.Fprintf(stdout, "✗ %s failed: %s\n", result.Kind, result.VMStatus)
				return nil
			})
		}
		return err
	}

	result, snapshot := out.Result, out.Snapshot
	return printResult(c, out, func() error {
		fmt.Fprintf(stdout, "✓ %s committed\n", result.Kind)
		fmt.Fprintf(stdout, "  Hash:     %s\n", result.Hash)
		fmt.Fprintf(stdout, "  Version:  %s\n", result.Version)
		if result.TokenID != "" {
			fmt.Fprintf(stdout, "  Token:    %s\n", result.TokenID)
		}
		if snapshot != nil {
			fmt.Fprintf(stdout, "  Market:   %d listed\n", len(snapshot.Market))
			fmt.Fprintf(stdout, "  Holdings: %d\n", len(snapshot.Portfolio))
		}
		return nil
	})
}

func printMarketRecords(c *cli.Context, records []market.CreditRecord) error {
	filters, err := compileJQFilters(c.StringSlice("where"))
	if err != nil {
		return err
	}
	var kept []market.CreditRecord
	for _, r := range records {
		ok, err := matchesAll(filters, r)
		if err != nil {
			return err
		}
		if ok {
			kept = append(kept, r)
		}
	}
	if kept == nil {
		kept = []market.CreditRecord{}
	}

	return printResult(c, kept, func() error {
		rows := make([]recordRow, len(kept))
		for i, r := range kept {
			rows[i] = recordRow{r.TokenID, r.ProjectName, r.CarbonAmount, r.Price, r.Listed}
		}
		writeRecordTable(rows)
		return nil
	})
}

type recordRow struct {
	tokenID, project, carbon, price string
	listed                          bool
}

func writeRecordTable(rows []recordRow) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN ID\tPROJECT\tCARBON (t)\tPRICE (APT)\tLISTED")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", r.tokenID, r.project, r.carbon, r.price, r.listed)
	}
	w.Flush()
	fmt.Fprintf(os.Stderr, "\nTotal: %d credits\n", len(rows))
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
