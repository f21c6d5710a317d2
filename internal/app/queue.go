package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"treasury-agent/internal/store"
)

// Queue prints the suggestion queue.
func (a *App) Queue(ctx context.Context, opts QueueOptions) error {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	suggestions, err := repo.ListAll(ctx)
	if err != nil {
		return err
	}

	if opts.Status != "" {
		filter := store.Status(opts.Status)
		if !filter.Valid() {
			return fmt.Errorf("unknown status %q", opts.Status)
		}
		filtered := suggestions[:0]
		for _, sug := range suggestions {
			if sug.Status == filter {
				filtered = append(filtered, sug)
			}
		}
		suggestions = filtered
	}

	if len(suggestions) == 0 {
		fmt.Fprintln(os.Stdout, "queue is empty")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tSymbol\tAddress\tConfidence\tStatus\tSource\tError")

	for _, sug := range suggestions {
		errMsg := sanitizeInline(sug.ErrorMessage)
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
			sug.CreatedAt.UTC().Format(time.RFC3339),
			sug.Symbol,
			sug.Address,
			sug.Confidence,
			sug.Status,
			sug.Source,
			errMsg,
		)
	}

	writer.Flush()

	stats, err := repo.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\npending=%d processing=%d completed=%d failed=%d\n",
		stats.Pending, stats.Processing, stats.Completed, stats.Failed)
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
