package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"treasury-agent/internal/store"
)

// Export renders suggestion history as CSV and/or a PNG confidence chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	suggestions, err := repo.ListAll(ctx)
	if err != nil {
		return err
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := time.Time{}
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.IsZero() && !from.Before(to) {
		return errors.New("from must be before to")
	}

	window := suggestions[:0]
	for _, sug := range suggestions {
		created := sug.CreatedAt.UTC()
		if created.After(to) {
			continue
		}
		if !from.IsZero() && created.Before(from) {
			continue
		}
		window = append(window, sug)
	}
	if len(window) == 0 {
		a.Logger.Info().Msg("no suggestions found for export window")
		return nil
	}

	sort.Slice(window, func(i, j int) bool {
		return window[i].CreatedAt.Before(window[j].CreatedAt)
	})

	downsampled := downsampleSuggestions(window, opts.MaxPoints)
	a.Logger.Info().Int("total", len(window)).Int("exported", len(downsampled)).Msg("exporting suggestions")

	if opts.CSVPath != "" {
		if err := writeSuggestionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeConfidencePNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSuggestions(suggestions []store.Suggestion, max int) []store.Suggestion {
	if max <= 0 || len(suggestions) <= max {
		return suggestions
	}

	result := make([]store.Suggestion, 0, max)
	step := float64(len(suggestions)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(suggestions) {
			idx = len(suggestions) - 1
		}
		result = append(result, suggestions[idx])
	}
	return result
}

func writeSuggestionsCSV(path string, suggestions []store.Suggestion) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "address", "symbol", "name", "confidence", "suggested_usd", "status", "source", "proposal_id", "tx_hash", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sug := range suggestions {
		suggestedUSD := ""
		if sug.SuggestedAmountUSD != nil {
			suggestedUSD = sug.SuggestedAmountUSD.String()
		}
		record := []string{
			sug.CreatedAt.UTC().Format(time.RFC3339),
			sug.Address,
			sug.Symbol,
			sug.Name,
			formatFloat(sug.Confidence),
			suggestedUSD,
			string(sug.Status),
			string(sug.Source),
			sug.ProposalID,
			sug.TxHash,
			sanitizeInline(sug.ErrorMessage),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeConfidencePNG(path string, suggestions []store.Suggestion) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(suggestions))
	confidence := make([]float64, len(suggestions))
	suggested := make([]float64, len(suggestions))
	for i, sug := range suggestions {
		x[i] = sug.CreatedAt
		confidence[i] = sug.Confidence
		if sug.SuggestedAmountUSD != nil {
			suggested[i] = sug.SuggestedAmountUSD.InexactFloat64()
		}
	}

	formatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Confidence",
			ValueFormatter: formatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 1},
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Suggested (USD)",
			ValueFormatter: formatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Confidence",
				XValues: x,
				YValues: confidence,
			},
			chart.TimeSeries{
				Name:    "Suggested USD",
				XValues: x,
				YValues: suggested,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
