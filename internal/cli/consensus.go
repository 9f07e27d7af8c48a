package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/litmajor/mtaa-elders/internal/council"
	"github.com/litmajor/mtaa-elders/internal/model"
)

var (
	consensusOrg        string
	consensusActivities string
	consensusHealth     string
)

func init() {
	rootCmd.AddCommand(consensusCmd)
	consensusCmd.Flags().StringVar(&consensusOrg, "org", "", "Organization the proposal belongs to (required)")
	consensusCmd.Flags().StringVar(&consensusActivities, "activities", "", "Activities to monitor before deciding (JSON or YAML list)")
	consensusCmd.Flags().StringVar(&consensusHealth, "health", "", "Health samples to record before deciding (JSON or YAML list)")
	_ = consensusCmd.MarkFlagRequired("org")
}

var consensusCmd = &cobra.Command{
	Use:   "consensus <proposal-file|->",
	Short: "Ask the elders for a decision on a proposal",
	Long: `Builds the council from config, optionally feeds it activities and health
samples for the organization, and prints the combined decision.`,
	Args: cobra.ExactArgs(1),
	RunE: runConsensus,
}

func runConsensus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	var p model.Proposal
	if err := readInput(cmd, args[0], &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	var acts []model.Activity
	if consensusActivities != "" {
		if err := readInput(cmd, consensusActivities, &acts); err != nil {
			return err
		}
	}
	var samples []model.HealthSample
	if consensusHealth != "" {
		if err := readInput(cmd, consensusHealth, &samples); err != nil {
			return err
		}
	}

	c, err := council.New(cfg, func(o *council.Options) { o.Logger = log })
	if err != nil {
		return err
	}
	defer c.Stop()

	ctx := cmd.Context()
	if len(samples) > 0 {
		c.Watcher.RecordHealth(consensusOrg, samples...)
	}
	if len(acts) > 0 || len(samples) > 0 {
		c.Watcher.MonitorDAO(ctx, consensusOrg, acts)
	}

	out, err := c.Coordinator.GetElderConsensus(ctx, consensusOrg, p)
	if err != nil {
		return err
	}
	decisions := c.Coordinator.OrgDecisions(consensusOrg, 1)

	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), out)
	}
	w := cmd.OutOrStdout()
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Elder", "Verdict", "Confidence", "Notes"})
	tw.AppendRow(table.Row{"security", verdict(out.Risk.IsSafe, "safe", "unsafe") + " (" + string(out.Risk.ThreatLevel) + ")",
		fmt.Sprintf("%.2f", out.Risk.Confidence), strings.Join(out.Risk.Concerns, "\n")})
	tw.AppendRow(table.Row{"optimization", verdict(out.Benefit.IsBeneficial, "beneficial", "limited"),
		fmt.Sprintf("%.2f", out.Benefit.Confidence), strings.Join(out.Benefit.Recommendations, "\n")})
	tw.AppendRow(table.Row{"ethics", verdict(out.Ethics.IsEthical, "ethical", "concerns"),
		fmt.Sprintf("%.2f", out.Ethics.Confidence), strings.Join(out.Ethics.Concerns, "\n")})
	tw.AppendFooter(table.Row{"overall", verdict(out.Verdict.CanApprove, "approve", "do not approve"),
		fmt.Sprintf("%.2f", out.Verdict.OverallConfidence), out.Verdict.ReviewReason})
	tw.Render()

	if len(decisions) == 1 {
		fmt.Fprintf(w, "Decision %s: %s. %s\n", decisions[0].ID, decisions[0].Status, decisions[0].Recommendation)
	}
	if len(out.Fallbacks) > 0 {
		fmt.Fprintf(w, "Defaults used for: %v\n", out.Fallbacks)
	}
	return nil
}

func verdict(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
