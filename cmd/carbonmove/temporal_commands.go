package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/temporal"
)

const refreshSchedulePrefix = "refresh-"

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List refresh schedules",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Include schedules not created by carbonmove",
			},
		},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ctx := context.Background()
			iter, err := temporalClient.SDKClient().ScheduleClient().List(ctx, client.ScheduleListOptions{
				PageSize: 100,
			})
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			var ids []string
			for iter.HasNext() {
				schedule, err := iter.Next()
				if err != nil {
					return fmt.Errorf("failed to iterate schedules: %w", err)
				}
				if !c.Bool("all") && !strings.HasPrefix(schedule.ID, refreshSchedulePrefix) {
					continue
				}
				ids = append(ids, schedule.ID)
			}

			return printResult(c, ids, func() error {
				w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SCHEDULE ID\tTARGET")
				for _, id := range ids {
					fmt.Fprintf(w, "%s\t%s\n", id, scheduleTarget(id))
				}
				w.Flush()
				fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(ids))
				return nil
			})
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-schedule",
		Usage:     "Describe a refresh schedule",
		Aliases:   []string{"desc"},
		ArgsUsage: "<schedule-id|account|market>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID, account address or \"market\"")
			}
			scheduleID, err := resolveScheduleID(c.Args().First())
			if err != nil {
				return err
			}

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ctx := context.Background()
			handle := temporalClient.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID)
			desc, err := handle.Describe(ctx)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			fmt.Fprintf(stdout, "Schedule ID:    %s\n", scheduleID)
			fmt.Fprintf(stdout, "Target:         %s\n", scheduleTarget(scheduleID))
			fmt.Fprintf(stdout, "State Note:     %s\n", desc.Schedule.State.Note)
			fmt.Fprintf(stdout, "Paused:         %v\n", desc.Schedule.State.Paused)

			if wa, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				fmt.Fprintf(stdout, "\nWorkflow:\n")
				fmt.Fprintf(stdout, "  Workflow:     %v\n", wa.Workflow)
				fmt.Fprintf(stdout, "  Task Queue:   %s\n", wa.TaskQueue)
			}

			for i, interval := range desc.Schedule.Spec.Intervals {
				fmt.Fprintf(stdout, "Interval %d:     every %v\n", i+1, interval.Every)
			}

			fmt.Fprintf(stdout, "\nRecent Actions: %d\n", len(desc.Info.RecentActions))
			if n := len(desc.Info.RecentActions); n > 0 {
				fmt.Fprintf(stdout, "Last Action:    %s\n", desc.Info.RecentActions[n-1].ActualTime.Format(time.RFC3339))
			}
			if len(desc.Info.NextActionTimes) > 0 {
				fmt.Fprintf(stdout, "Next Action:    %s\n", desc.Info.NextActionTimes[0].Format(time.RFC3339))
			}
			return nil
		},
	}
}

func pauseScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause-schedule",
		Usage:     "Pause a refresh schedule",
		ArgsUsage: "<schedule-id|account|market>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is paused",
				Value: "Paused via carbonmove CLI",
			},
		},
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, func(ctx context.Context, handle client.ScheduleHandle) error {
				if err := handle.Pause(ctx, client.SchedulePauseOptions{Note: c.String("note")}); err != nil {
					return fmt.Errorf("failed to pause schedule: %w", err)
				}
				fmt.Fprintf(stdout, "✓ Schedule paused: %s\n", handle.GetID())
				return nil
			})
		},
	}
}

func resumeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume-schedule",
		Usage:     "Resume a paused refresh schedule",
		ArgsUsage: "<schedule-id|account|market>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is resumed",
				Value: "Resumed via carbonmove CLI",
			},
		},
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, func(ctx context.Context, handle client.ScheduleHandle) error {
				if err := handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: c.String("note")}); err != nil {
					return fmt.Errorf("failed to resume schedule: %w", err)
				}
				fmt.Fprintf(stdout, "✓ Schedule resumed: %s\n", handle.GetID())
				return nil
			})
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete a refresh schedule",
		ArgsUsage: "<schedule-id|account|market>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, func(ctx context.Context, handle client.ScheduleHandle) error {
				if !c.Bool("force") {
					fmt.Fprintf(stdout, "Are you sure you want to delete schedule %s? (yes/no): ", handle.GetID())
					var response string
					fmt.Scanln(&response)
					if response != "yes" {
						fmt.Fprintln(stdout, "Cancelled")
						return nil
					}
				}
				if err := handle.Delete(ctx); err != nil {
					return fmt.Errorf("failed to delete schedule: %w", err)
				}
				fmt.Fprintf(stdout, "✓ Schedule deleted: %s\n", handle.GetID())
				return nil
			})
		},
	}
}

func withScheduleHandle(c *cli.Context, fn func(context.Context, client.ScheduleHandle) error) error {
	if c.NArg() != 1 {
		return fmt.Errorf("requires exactly one argument: schedule ID, account address or \"market\"")
	}
	scheduleID, err := resolveScheduleID(c.Args().First())
	if err != nil {
		return err
	}

	temporalClient, err := getTemporalClient(c)
	if err != nil {
		return err
	}
	defer temporalClient.Close()

	ctx := context.Background()
	return fn(ctx, temporalClient.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID))
}

// resolveScheduleID accepts a schedule ID, an account address, or "market".
func resolveScheduleID(arg string) (string, error) {
	switch {
	case arg == "market":
		return temporal.ScheduleID(""), nil
	case strings.HasPrefix(arg, "0x"):
		account, err := aptos.NormalizeAddress(arg)
		if err != nil {
			return "", err
		}
		return temporal.ScheduleID(account), nil
	}
	return arg, nil
}

func scheduleTarget(id string) string {
	switch {
	case id == temporal.ScheduleID(""):
		return "marketplace"
	case strings.HasPrefix(id, refreshSchedulePrefix+"account-"):
		return strings.TrimPrefix(id, refreshSchedulePrefix+"account-")
	}
	return "-"
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}
	return temporal.NewClient(host, namespace, "", 0, nil, setupLogger("warn"))
}
