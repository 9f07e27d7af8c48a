package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/litmajor/mtaa-elders/internal/audit"
	"github.com/litmajor/mtaa-elders/internal/ethics"
)

var (
	reviewOrg     string
	reviewLenient bool
)

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.Flags().StringVar(&reviewOrg, "org", "", "Organization the request belongs to")
	reviewCmd.Flags().BoolVar(&reviewLenient, "lenient", false, "Disable strict mode for this review")
}

var reviewCmd = &cobra.Command{
	Use:   "review <request-file|->",
	Short: "Run one ethics review",
	Long: `Reads an ethics review request (JSON or YAML) and prints the outcome.
The record is appended to ethics.audit_path when one is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: runReview,
}

func runReview(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	var req ethics.Request
	if err := readInput(cmd, args[0], &req); err != nil {
		return err
	}
	if reviewOrg != "" {
		req.OrgID = reviewOrg
	}

	var sink ethics.AuditSink
	if cfg.Ethics.AuditPath != "" {
		l, err := audit.Open(cfg.Ethics.AuditPath)
		if err != nil {
			return err
		}
		defer l.Close()
		sink = l
	}

	reviewer, err := ethics.New(func(o *ethics.Options) {
		o.StrictMode = cfg.Ethics.StrictMode && !reviewLenient
		o.Framework = cfg.Ethics.Framework
		o.Sink = sink
		o.Logger = log
	})
	if err != nil {
		return err
	}
	res, err := reviewer.Review(cmd.Context(), req)
	if err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), res)
	}
	tw := newTable(cmd.OutOrStdout())
	tw.AppendRows([]table.Row{
		{"Request", res.RequestID},
		{"Approved", res.Approved},
		{"Concern level", res.ConcernLevel},
		{"Score", fmt.Sprintf("%.2f", res.Score)},
		{"Confidence", fmt.Sprintf("%.2f", res.Confidence)},
		{"Strict mode", res.StrictMode},
		{"Reason", res.Reason},
	})
	if len(res.Concerns) > 0 {
		tw.AppendRow(table.Row{"Concerns", strings.Join(res.Concerns, "\n")})
	}
	if len(res.Recommendations) > 0 {
		tw.AppendRow(table.Row{"Recommendations", strings.Join(res.Recommendations, "\n")})
	}
	tw.Render()
	return nil
}
