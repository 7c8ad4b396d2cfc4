package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicroute/internal/app"
	"civicroute/internal/config"
	"civicroute/internal/domain"
	"civicroute/internal/engine"
	"civicroute/internal/repo"
)

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
		Long:  "civic.yml holds routing weights, lifecycle tables, escalation and notification settings, and the seeded authority directory.",
	}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default civic.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCLIConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate civic.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadCLIConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func loadCLIConfig() (*config.Config, error) {
	if p := viper.GetString("config"); p != "" {
		return config.FromFile(p)
	}
	return config.Load(viper.GetString("workspace"))
}

func routeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "route",
		Short: "Inspect routing decisions",
	}
	var (
		req      engine.ExplainRequest
		category string
		priority string
	)
	explain := &cobra.Command{
		Use:   "explain",
		Short: "Show how a complaint would be routed without filing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Category = domain.Category(category)
			req.Priority = domain.Priority(priority)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.Explain(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("priority %s, estimate %d day(s) at %.2f confidence\n", out.Priority, out.Estimate.Days, out.Estimate.Confidence)
				fmt.Printf("route to %s (%s)\n", out.Decision.AuthorityID, out.Decision.Reason)
				if len(out.Decision.Candidates) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Authority", "Score", "Base", "Load", "Spec", "Urgent", "Distance", "After hours", "Km"})
				for _, cand := range out.Decision.Candidates {
					b := cand.Breakdown
					tw.AppendRow(table.Row{cand.AuthorityID, cand.Score, b.Base, b.Load, b.Specialization, b.Urgent, b.Distance, b.AfterHours, fmt.Sprintf("%.1f", b.DistanceKm)})
				}
				tw.Render()
				return nil
			})
		},
	}
	explain.Flags().StringVar(&req.Title, "title", "", "short title")
	explain.Flags().StringVar(&req.Description, "description", "", "details")
	explain.Flags().StringVar(&category, "category", "", "category")
	explain.Flags().StringVar(&priority, "priority", "", "priority; inferred when empty")
	explain.Flags().Float64Var(&req.Location.Lat, "lat", 0, "latitude")
	explain.Flags().Float64Var(&req.Location.Lng, "lng", 0, "longitude")
	_ = explain.MarkFlagRequired("title")
	_ = explain.MarkFlagRequired("category")
	c.AddCommand(explain)
	return c
}

func escalateCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "escalate",
		Short: "Escalate overdue complaints",
	}
	var at string
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = parsed.UTC()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Monitor().Sweep(ctx, now)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("scanned %d, overdue %d, escalated %d, skipped %d, failed %d\n",
					report.Scanned, report.Overdue, report.Escalated, report.Skipped, report.Failed)
				for _, esc := range report.Escalations {
					target := esc.SupervisorID
					if target == "" {
						target = "(no supervisor)"
					}
					fmt.Printf("  %s: %d day(s) overdue, level %d, %s -> %s\n", esc.ComplaintID, esc.DaysOverdue, esc.Level, esc.CurrentAuthorityID, target)
				}
				return nil
			})
		},
	}
	sweep.Flags().StringVar(&at, "at", "", "sweep as of this RFC3339 time")
	c.AddCommand(sweep)
	return c
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Complaint", "Authority", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ComplaintID, evt.AuthorityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.ComplaintID, "complaint", "", "complaint id filter")
	tail.Flags().StringVar(&f.AuthorityID, "authority", "", "authority id filter")
	log.AddCommand(tail)
	return log
}
