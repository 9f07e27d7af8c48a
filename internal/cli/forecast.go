package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/litmajor/mtaa-elders/internal/model"
	"github.com/litmajor/mtaa-elders/internal/predictor"
)

var (
	forecastOrg   string
	forecastHours int
)

func init() {
	rootCmd.AddCommand(forecastCmd)
	forecastCmd.Flags().StringVar(&forecastOrg, "org", "default", "Organization the samples belong to")
	forecastCmd.Flags().IntVar(&forecastHours, "hours", 0, "Forecast horizon in hours (default watcher.horizon_hours)")
}

var forecastCmd = &cobra.Command{
	Use:   "forecast <health-file|->",
	Short: "Forecast organization health from samples",
	Long:  "Reads a list of health samples (JSON or YAML) and prints the projected\nscore, risk factors and early warnings.",
	Args:  cobra.ExactArgs(1),
	RunE:  runForecast,
}

func runForecast(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	var samples []model.HealthSample
	if err := readInput(cmd, args[0], &samples); err != nil {
		return err
	}
	hours := forecastHours
	if hours <= 0 {
		hours = cfg.Watcher.HorizonHours
	}

	pred := predictor.New(func(o *predictor.Options) { o.MaxSamples = cfg.Watcher.MaxSamples })
	pred.Record(forecastOrg, samples...)
	f := pred.Forecast(forecastOrg, hours)

	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), f)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: predicted %.1f in %dh (confidence %.2f, %d samples)\n",
		f.OrgID, f.PredictedScore, f.HorizonHours, f.Confidence, f.SampleCount)

	tw := newTable(out)
	tw.AppendHeader(table.Row{"Category", "Risk", "Probability", "Impact", "Projected", "Mitigation"})
	for _, r := range f.RiskFactors {
		tw.AppendRow(table.Row{r.Category, r.RiskLevel, fmt.Sprintf("%.2f", r.Probability),
			fmt.Sprintf("%.2f", r.Impact), fmt.Sprintf("%.1f", r.ProjectedValue), r.Mitigation})
	}
	tw.Render()

	for _, w := range f.EarlyWarnings {
		fmt.Fprintf(out, "[%s] %s: %s (%.0fh) -> %s\n", w.Level, w.Category, w.Message, w.TimeToEvent, w.RequiredAction)
	}
	return nil
}
