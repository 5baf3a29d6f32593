package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/orientinsight/bookingmail/internal/model"
	"github.com/orientinsight/bookingmail/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	statusColors = map[model.ImportStatus]lipgloss.Color{
		model.ImportSuccess:      lipgloss.Color("#a6e3a1"),
		model.ImportFailed:       lipgloss.Color("#f9e2af"),
		model.ImportManualReview: lipgloss.Color("#f38ba8"),
		model.ImportProcessing:   lipgloss.Color("#89b4fa"),
	}
)

func newImportsCmd(load func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imports",
		Short: "Inspect and manage import records",
	}
	cmd.AddCommand(newImportsListCmd(load), newImportsRequeueCmd(load))
	return cmd
}

func newImportsListCmd(load func() (*app, error)) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List import records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses, err := store.ParseStatuses(status)
			if err != nil {
				return err
			}

			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.store.ListImports(cmd.Context(), store.ImportFilter{Statuses: statuses, Limit: limit})
			if err != nil {
				return err
			}

			if len(recs) == 0 {
				cmd.Println("No import records.")
				return nil
			}
			cmd.Println(renderImports(recs))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma-separated statuses, e.g. failed,manual_review")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func renderImports(recs []model.ImportRecord) string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		errMsg := ""
		if r.ErrorMessage != nil {
			errMsg = truncate(*r.ErrorMessage, 48)
		}
		rows = append(rows, []string{
			r.Discriminator,
			string(r.ArtifactKind),
			string(r.Status),
			fmt.Sprintf("%d", r.RetryCount),
			strings.Join(r.ResultRefs, ","),
			errMsg,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("DISCRIMINATOR", "KIND", "STATUS", "RETRIES", "REFS", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 && row >= 0 && row < len(recs) {
				if c, ok := statusColors[recs[row].Status]; ok {
					return cellStyle.Foreground(c)
				}
			}
			return cellStyle
		})

	return t.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newImportsRequeueCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <discriminator>",
		Short: "Move a MANUAL_REVIEW record back to FAILED so the next cycle retries it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.RequeueImport(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Requeued %s\n", args[0])
			return nil
		},
	}
}
