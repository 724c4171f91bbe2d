package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/carbonmove/service/aptos"
	natspkg "github.com/brojonat/carbonmove/service/nats"
)

// subscribeCommand subscribes to credit events straight from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Subscribe to credit events on the CREDITS stream",
		Description: `Subscribe to real-time credit events published to NATS JetStream.

Action outcomes are published to credits.actions.{kind}; snapshot refreshes
to credits.snapshots.{account}.

Example:
  carbonmove nats subscribe --kind buy --json
  carbonmove nats subscribe --snapshots 0x1a2b...`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Only action events of this kind (list, buy, retire)",
			},
			&cli.StringFlag{
				Name:  "snapshots",
				Usage: "Only snapshot events for this account",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "carbonmove-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject, err := subscribeSubject(c.String("kind"), c.String("snapshots"))
			if err != nil {
				return err
			}
			return streamCreditEvents(c.String("nats-url"), subject, c.Bool("durable"), c.String("consumer-name"), c.Bool("json"))
		},
	}
}

func subscribeSubject(kind, snapshotAccount string) (string, error) {
	switch {
	case kind != "" && snapshotAccount != "":
		return "", fmt.Errorf("--kind and --snapshots are mutually exclusive")
	case kind != "":
		return (&natspkg.CreditEvent{Type: natspkg.EventActionCompleted, Kind: kind}).Subject(), nil
	case snapshotAccount != "":
		account, err := aptos.NormalizeAddress(snapshotAccount)
		if err != nil {
			return "", err
		}
		return (&natspkg.CreditEvent{Type: natspkg.EventSnapshotRefreshed, Account: account}).Subject(), nil
	}
	return natspkg.StreamSubjects, nil
}

// streamCreditEvents connects to NATS and prints credit events until interrupted.
func streamCreditEvents(natsURL, subject string, durable bool, consumerName string, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Fprintf(stdout, "📡 Subscribing to: %s\n", subject)
		fmt.Fprintf(stdout, "   NATS: %s\n", natsURL)
		if durable {
			fmt.Fprintf(stdout, "   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Fprintf(stdout, "\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.CreditEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				}
				msg.Ack()
				continue
			}

			count++
			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Fprintln(stdout, string(data))
			} else {
				printCreditEvent(count, msg.Subject(), &event)
			}
			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Fprintf(stdout, "\n\n✅ Received %d events\n", count)
			}
			return nil
		}
	}
}

func printCreditEvent(n int, subject string, event *natspkg.CreditEvent) {
	fmt.Fprintf(stdout, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(stdout, "Event #%d  %s\n", n, subject)
	fmt.Fprintf(stdout, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(stdout, "Type:         %s\n", event.Type)
	fmt.Fprintf(stdout, "Account:      %s\n", event.Account)
	if event.Kind != "" {
		fmt.Fprintf(stdout, "Kind:         %s\n", event.Kind)
		fmt.Fprintf(stdout, "Workflow:     %s\n", event.WorkflowID)
		fmt.Fprintf(stdout, "Token:        %s\n", event.TokenID)
		fmt.Fprintf(stdout, "Hash:         %s\n", event.Hash)
		fmt.Fprintf(stdout, "Success:      %v\n", event.Success)
		if event.VMStatus != "" {
			fmt.Fprintf(stdout, "VM Status:    %s\n", event.VMStatus)
		}
	} else {
		fmt.Fprintf(stdout, "Market:       %d listed\n", event.MarketCount)
		fmt.Fprintf(stdout, "Portfolio:    %d held\n", event.PortfolioCount)
	}
	fmt.Fprintf(stdout, "Occurred:     %s\n", event.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "\n")
}

// inspectStreamCommand shows information about the CREDITS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the CREDITS JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			return printResult(c, info, func() error {
				fmt.Fprintf(stdout, "Stream: %s\n", info.Config.Name)
				fmt.Fprintf(stdout, "─────────────────────────────────────────────────────\n")
				fmt.Fprintf(stdout, "Description:  %s\n", info.Config.Description)
				fmt.Fprintf(stdout, "Subjects:     %v\n", info.Config.Subjects)
				fmt.Fprintf(stdout, "Messages:     %d\n", info.State.Msgs)
				fmt.Fprintf(stdout, "Bytes:        %d\n", info.State.Bytes)
				fmt.Fprintf(stdout, "First Seq:    %d\n", info.State.FirstSeq)
				fmt.Fprintf(stdout, "Last Seq:     %d\n", info.State.LastSeq)
				fmt.Fprintf(stdout, "Consumers:    %d\n", info.State.Consumers)
				fmt.Fprintf(stdout, "Max Age:      %s\n", info.Config.MaxAge)
				fmt.Fprintf(stdout, "Storage:      %s\n", info.Config.Storage)
				return nil
			})
		},
	}
}
