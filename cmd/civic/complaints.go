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
	"civicroute/internal/domain"
	"civicroute/internal/engine"
	"civicroute/internal/lifecycle"
	"civicroute/internal/repo"
)

func complaintCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "complaint",
		Short: "File and manage complaints",
	}
	c.AddCommand(complaintFileCmd())
	c.AddCommand(complaintStatusCmd())
	c.AddCommand(complaintShowCmd())
	c.AddCommand(complaintListCmd())
	c.AddCommand(complaintReassignCmd())
	c.AddCommand(complaintHistoryCmd())
	return c
}

func complaintFileCmd() *cobra.Command {
	var (
		req      engine.IntakeRequest
		category string
		priority string
	)
	cmd := &cobra.Command{
		Use:   "file",
		Short: "File a complaint and route it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Category = domain.Category(category)
			req.Priority = domain.Priority(priority)
			req.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.FileComplaint(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(in)
				}
				fmt.Printf("complaint %s filed\n", in.Complaint.ID)
				fmt.Printf("  priority:  %s", in.Complaint.Priority)
				if in.PriorityInferred {
					fmt.Print(" (inferred)")
				}
				fmt.Println()
				fmt.Printf("  assigned:  %s (%s, score %.2f)\n", in.Assignment.AuthorityID, in.Decision.Reason, in.Decision.Score)
				fmt.Printf("  estimate:  %d day(s), confidence %.2f, due %s\n", in.Estimate.Days, in.Estimate.Confidence,
					in.Complaint.EstimatedResolutionAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "short title")
	cmd.Flags().StringVar(&req.Description, "description", "", "details")
	cmd.Flags().StringVar(&category, "category", "", "category (water, electricity, ...)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority; inferred from the text when empty")
	cmd.Flags().Float64Var(&req.Location.Lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&req.Location.Lng, "lng", 0, "longitude")
	cmd.Flags().StringVar(&req.Citizen.Name, "name", "", "citizen name")
	cmd.Flags().StringVar(&req.Citizen.Email, "email", "", "citizen email")
	cmd.Flags().StringVar(&req.Citizen.Phone, "phone", "", "citizen phone")
	cmd.Flags().BoolVar(&req.Anonymous, "anonymous", false, "hide citizen contact details")
	cmd.Flags().StringSliceVar(&req.Attachments, "attachment", nil, "attachment URL (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func complaintStatusCmd() *cobra.Command {
	var to, notes string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Move a complaint to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.UpdateStatus(ctx, engine.StatusUpdate{
					ID:      args[0],
					Status:  domain.Status(to),
					ActorID: actorID(),
					Notes:   notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution or rejection notes")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func complaintShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a complaint with its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.Repo.GetComplaint(ctx, args[0])
				if err != nil {
					return err
				}
				asgs, err := a.Engine.Repo.ListAssignments(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"complaint":   c,
					"overdue":     lifecycle.IsOverdue(c, time.Now()),
					"assignments": asgs,
				})
			})
		},
	}
}

func complaintListCmd() *cobra.Command {
	var (
		f        repo.ComplaintFilters
		statuses []string
		category string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List complaints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.Status(s))
			}
			f.Category = domain.Category(category)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListComplaints(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Priority", "Status", "Authority", "Due", "Overdue"})
				for _, c := range items {
					authority := ""
					if c.AssignedAuthorityID != nil {
						authority = *c.AssignedAuthorityID
					}
					due := ""
					if c.EstimatedResolutionAt != nil {
						due = c.EstimatedResolutionAt.Format("2006-01-02 15:04")
					}
					overdue := ""
					if lifecycle.IsOverdue(c, now) {
						overdue = fmt.Sprintf("%dd", lifecycle.DaysOverdue(c, now))
					}
					tw.AppendRow(table.Row{c.ID, c.Title, c.Category, c.Priority, c.Status, authority, due, overdue})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.AuthorityID, "authority", "", "assigned authority filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func complaintReassignCmd() *cobra.Command {
	var to, reason string
	cmd := &cobra.Command{
		Use:   "reassign <id>",
		Short: "Hand a complaint to another authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, asg, err := a.Engine.Reassign(ctx, args[0], to, reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"complaint": c, "assignment": asg})
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target authority id")
	cmd.Flags().StringVar(&reason, "reason", "", "why the complaint moves")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func complaintHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListStatusHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "From", "To", "Actor", "Reason"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.CreatedAt.Format(time.RFC3339), h.OldStatus, h.NewStatus, h.ActorID, h.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}
