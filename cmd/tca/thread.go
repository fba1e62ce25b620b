package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/ui"
)

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Read the deduplicated thread",
	Long: `Print the aggregated thread: one entry per cluster, newest first, each
represented by its selected item. Duplicate counts show as "+N". Works while
the engine is serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pageNum, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("size")
		return withReader(cmd, func(ctx context.Context, r *tca.Reader) error {
			entries, err := r.Thread(ctx, tca.Page{Number: pageNum, Size: size})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("Thread is empty.")
				return nil
			}
			for _, e := range entries {
				when := "          "
				if e.Representative.PublishedAt != nil {
					when = e.Representative.PublishedAt.UTC().Format("01-02 15:04")
				}
				dupes := ""
				if e.MemberCount > 1 {
					dupes = ui.RenderMuted(fmt.Sprintf(" +%d", e.MemberCount-1))
				}
				title := e.Representative.Title
				if title == "" {
					title = firstLine(e.Representative.Body)
				}
				fmt.Printf("%s  %s%s\n", ui.RenderMuted(when), truncate(title, 100), dupes)
				if url := e.Representative.CanonicalURL; url != "" {
					fmt.Printf("%s  %s\n", strings.Repeat(" ", 11), ui.RenderMuted(url))
				}
			}
			return nil
		})
	},
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func init() {
	threadCmd.Flags().Int("page", repo.DefaultPage.Number, "Page number (1-based)")
	threadCmd.Flags().Int("size", repo.DefaultPage.Size, "Entries per page")
	rootCmd.AddCommand(threadCmd)
}
