package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/miradorstack/release-gate/internal/learning"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/utils"
)

func (c *cli) patternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect and extend the error pattern store",
	}

	var (
		category string
		asJSON   bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List built-in and custom patterns with their statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var out []models.ErrorPattern
			for _, p := range a.patterns.All() {
				if category != "" && string(p.Category) != category {
					continue
				}
				out = append(out, p)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			return printPatterns(cmd.OutOrStdout(), out)
		},
	}
	list.Flags().StringVar(&category, "category", "", "only list patterns of this category")
	list.Flags().BoolVar(&asJSON, "json", false, "print patterns as JSON")

	var file string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a custom pattern from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p models.ErrorPattern
			if err := utils.ReadJSON(file, &p); err != nil {
				return utils.NewAppError("patterns add", "failed to read pattern file", err)
			}
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.patterns.Add(p); err != nil {
				return utils.NewAppError("patterns add", fmt.Sprintf("pattern %q rejected", p.ID), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pattern %s registered\n", p.ID)
			return nil
		},
	}
	add.Flags().StringVarP(&file, "file", "f", "", "JSON file holding one pattern")
	_ = add.MarkFlagRequired("file")

	cmd.AddCommand(list, add)
	return cmd
}

func (c *cli) learningCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learning",
		Short: "Review errors that matched no known pattern",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List learning queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			entries := a.learning.Entries()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIMESTAMP\tSOURCE\tTYPE\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02T15:04:05Z"), e.ErrorInfo.Source, e.ErrorInfo.Type, firstLine(e.ErrorInfo.Message, 80))
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")

	var (
		minOccurrences int
		promote        bool
	)
	suggest := &cobra.Command{
		Use:   "suggest",
		Short: "Mine recurring unmatched errors into candidate patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var sink learning.PatternSink
			if promote {
				sink = a.patterns
			}
			candidates, err := learning.NewMiner(c.logger, sink, minOccurrences).Mine(cmd.Context(), a.learning.Entries())
			if err != nil {
				return utils.NewAppError("learning suggest", "mining failed", err)
			}
			return writeJSON(cmd.OutOrStdout(), candidates)
		},
	}
	suggest.Flags().IntVar(&minOccurrences, "min-occurrences", 2, "occurrences needed before a signature becomes a candidate")
	suggest.Flags().BoolVar(&promote, "promote", false, "register every candidate as a custom pattern")

	cmd.AddCommand(list, suggest)
	return cmd
}

func printPatterns(w io.Writer, patterns []models.ErrorPattern) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tSEVERITY\tAUTO\tSEEN\tRESOLVED\tSOURCE")
	for _, p := range patterns {
		origin := "builtin"
		if p.Custom {
			origin = "custom"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%s\n", p.ID, p.Category, p.Severity, p.AutoRecoverable, p.Occurrences, p.ResolvedCount, origin)
	}
	return tw.Flush()
}

func firstLine(s string, limit int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
