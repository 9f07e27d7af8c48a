package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/litmajor/mtaa-elders/internal/model"
	"github.com/litmajor/mtaa-elders/internal/surveillance"
)

var patternsOrg string

func init() {
	rootCmd.AddCommand(patternsCmd)
	patternsCmd.Flags().StringVar(&patternsOrg, "org", "default", "Organization the activities belong to")
}

var patternsCmd = &cobra.Command{
	Use:   "patterns [activities-file|-]",
	Short: "List threat patterns or scan activities for them",
	Long: `Without arguments, lists the registered threat patterns.
With an activities file (JSON or YAML list), runs one surveillance pass
and prints the detected patterns.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPatterns,
}

func runPatterns(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	engine := surveillance.New(func(o *surveillance.Options) {
		o.AnomalyThreshold = cfg.Watcher.AnomalyThreshold
		o.ClusterWindow = cfg.Watcher.ClusterWindow
	})
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		patterns := engine.Patterns()
		if jsonOutput() {
			return printJSON(out, patterns)
		}
		tw := newTable(out)
		tw.AppendHeader(table.Row{"ID", "Name", "Severity", "Base", "Indicators"})
		for _, p := range patterns {
			tw.AppendRow(table.Row{p.ID, p.Name, p.Severity, fmt.Sprintf("%.2f", p.BaseConfidence), strings.Join(p.Indicators, ", ")})
		}
		tw.Render()
		return nil
	}

	var acts []model.Activity
	if err := readInput(cmd, args[0], &acts); err != nil {
		return err
	}
	detections := engine.MonitorDAO(patternsOrg, acts)
	if jsonOutput() {
		return printJSON(out, detections)
	}
	if len(detections) == 0 {
		fmt.Fprintf(out, "%s: no threat patterns in %d activities\n", patternsOrg, len(acts))
		return nil
	}
	tw := newTable(out)
	tw.AppendHeader(table.Row{"Pattern", "Severity", "Confidence", "Affected", "Activities"})
	for _, d := range detections {
		tw.AppendRow(table.Row{d.PatternName, d.Severity, fmt.Sprintf("%.2f", d.Confidence),
			strings.Join(d.AffectedEntities, ", "), len(d.ActivityIDs)})
	}
	tw.Render()
	return nil
}
