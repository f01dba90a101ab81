package controller

import (
	"bytes"
	"context"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"ilcov.dev/pkg/ilcov/internal/report"
)

// SimpleUI implements UI using cobra Command's Println.
type SimpleUI struct {
	cmd *cobra.Command
}

// NewSimpleUI creates a new SimpleUI.
func NewSimpleUI(cmd *cobra.Command) *SimpleUI {
	return &SimpleUI{cmd: cmd}
}

// DisplaySummary prints the per-module coverage table or the read error.
func (s *SimpleUI) DisplaySummary(ctx context.Context, doc *report.Document, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if err != nil {
		s.printf("report error: %v\n", err)
		return err
	}

	s.printf("\n%s", renderSummaryTable(Summarize(doc)))

	return nil
}

func renderSummaryTable(summaries []ModuleSummary) string {
	var tableBuffer bytes.Buffer

	table := tablewriter.NewWriter(&tableBuffer)
	table.SetHeader([]string{"Module", "Methods", "Points", "Covered", "Visits", "Coverage"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
	})

	totals := ModuleSummary{}

	for _, summary := range summaries {
		table.Append([]string{
			summary.Name,
			fmt.Sprintf("%d", summary.Methods),
			fmt.Sprintf("%d", summary.Points),
			fmt.Sprintf("%d", summary.Covered),
			fmt.Sprintf("%d", summary.Visits),
			fmt.Sprintf("%.1f%%", summary.Percent()),
		})

		totals.Methods += summary.Methods
		totals.Points += summary.Points
		totals.Covered += summary.Covered
		totals.Visits += summary.Visits
	}

	table.SetFooter([]string{
		fmt.Sprintf("Total Modules %d", len(summaries)),
		fmt.Sprintf("%d", totals.Methods),
		fmt.Sprintf("%d", totals.Points),
		fmt.Sprintf("%d", totals.Covered),
		fmt.Sprintf("%d", totals.Visits),
		fmt.Sprintf("%.1f%%", totals.Percent()),
	})

	table.Render()

	return tableBuffer.String()
}

// DisplayReport prints every method with its per-line visit counts.
func (s *SimpleUI) DisplayReport(ctx context.Context, doc *report.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, mod := range doc.Modules {
		s.printf("%s (%s)\n", mod.Name, mod.ID)

		for _, method := range mod.Methods {
			covered := 0
			for _, point := range method.Points {
				if point.Visits() > 0 {
					covered++
				}
			}

			s.printf("  %s: %d/%d points\n", method.Name, covered, len(method.Points))

			for _, point := range method.Points {
				s.printf("    line %d: %d\n", point.Line, point.Visits())
			}
		}
	}

	return nil
}

// DisplayInstrumentationInfo shows concurrency settings for an
// instrumentation run.
func (s *SimpleUI) DisplayInstrumentationInfo(ctx context.Context, assemblies int, threads int) {
	if err := ctx.Err(); err != nil {
		return
	}

	s.printf("Instrumenting %d assemblies with %d worker(s)\n", assemblies, threads)
}

func (s *SimpleUI) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.cmd.OutOrStdout(), format, args...)
}
