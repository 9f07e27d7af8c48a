package cli

import (
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/litmajor/mtaa-elders/internal/audit"
)

var (
	tailLines int
	tailOrg   string
)

var errAuditInvalid = errors.New("audit chain verification failed")

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditTailCmd.Flags().StringVar(&tailOrg, "org", "", "Only show entries for this organization")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Ethics audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained ethics audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent audit log entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTail,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if jsonOutput() {
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Lines)
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	}
	if !result.Valid {
		return errAuditInvalid
	}
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	report, err := audit.Read(args[0], audit.Filter{OrgID: tailOrg, Limit: tailLines})
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), report)
	}

	tw := newTable(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Time", "Org", "Type", "Approved", "Level", "Score", "Reason"})
	for _, e := range report.Entries {
		tw.AppendRow(table.Row{e.Timestamp, e.OrgID, e.DecisionType, e.Approved, e.ConcernLevel, fmt.Sprintf("%.2f", e.Score), e.Reason})
	}
	s := report.Summary
	tw.AppendFooter(table.Row{"", "", "total", s.Total, fmt.Sprintf("%d approved", s.Approved), fmt.Sprintf("%d rejected", s.Rejected), ""})
	tw.Render()
	return nil
}
