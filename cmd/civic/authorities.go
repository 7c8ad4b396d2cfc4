package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"civicroute/internal/app"
	"civicroute/internal/domain"
)

func authorityCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "authority",
		Short: "Manage the authority directory",
	}
	c.AddCommand(authorityListCmd())
	c.AddCommand(authorityShowCmd())
	c.AddCommand(authorityAddCmd())
	return c
}

func authorityListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List authorities with their load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.Authority
					err   error
				)
				if category != "" {
					items, err = a.Engine.Directory.FindByCategory(ctx, domain.Category(category))
				} else {
					items, err = a.Engine.Repo.ListAuthorities(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Specializations", "Load", "Hours", "Active"})
				for _, au := range items {
					specs := make([]string, 0, len(au.Specializations))
					for _, s := range au.Specializations {
						specs = append(specs, string(s))
					}
					hours := "24/7"
					if !au.Hours.AlwaysOpen {
						hours = au.Hours.Start + "-" + au.Hours.End
						if au.Timezone != "" {
							hours += " " + au.Timezone
						}
					}
					tw.AppendRow(table.Row{au.ID, au.Name, strings.Join(specs, ","),
						fmt.Sprintf("%d/%d", au.Workload, au.MaxCapacity), hours, au.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only active authorities handling this category")
	return cmd
}

func authorityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an authority and whether it can take work now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				au, available, err := a.Engine.Availability(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"authority": au, "available": available})
			})
		},
	}
}

func authorityAddCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update authorities from a YAML file",
		Long:  "The file holds one authority or a list, in the same shape as the authorities section of civic.yml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			items, err := parseAuthorities(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				saved := make([]domain.Authority, 0, len(items))
				for _, au := range items {
					out, created, err := a.Engine.PutAuthority(ctx, au, actorID())
					if err != nil {
						return fmt.Errorf("authority %s: %w", au.ID, err)
					}
					if !viper.GetBool("json") {
						verb := "updated"
						if created {
							verb = "created"
						}
						fmt.Printf("authority %s %s\n", out.ID, verb)
					}
					saved = append(saved, out)
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func parseAuthorities(data []byte) ([]domain.Authority, error) {
	var list []domain.Authority
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one domain.Authority
	if err := yaml.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("invalid authority yaml: %w", err)
	}
	return []domain.Authority{one}, nil
}
