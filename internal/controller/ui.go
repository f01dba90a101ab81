// Package controller provides output surfaces for coverage results.
package controller

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"ilcov.dev/pkg/ilcov/internal/report"
)

// ModuleSummary holds the aggregated coverage numbers for one module.
type ModuleSummary struct {
	ID      string
	Name    string
	Methods int
	Points  int
	Covered int
	Visits  int
}

// Percent returns the covered-point ratio as a percentage. A module without
// points reads as 0.
func (s ModuleSummary) Percent() float64 {
	if s.Points == 0 {
		return 0
	}

	return float64(s.Covered) / float64(s.Points) * 100
}

// Summarize aggregates a coverage document per module, preserving document
// order.
func Summarize(doc *report.Document) []ModuleSummary {
	summaries := make([]ModuleSummary, 0, len(doc.Modules))

	for _, mod := range doc.Modules {
		summary := ModuleSummary{ID: mod.ID, Name: mod.Name, Methods: len(mod.Methods)}

		for _, method := range mod.Methods {
			for _, point := range method.Points {
				summary.Points++

				visits := point.Visits()
				summary.Visits += visits

				if visits > 0 {
					summary.Covered++
				}
			}
		}

		summaries = append(summaries, summary)
	}

	return summaries
}

// UI defines the interface for displaying coverage reports.
// Implementations can use different output methods (simple text, TUI, etc).
type UI interface {
	DisplaySummary(ctx context.Context, doc *report.Document, err error) error
	DisplayReport(ctx context.Context, doc *report.Document) error
	DisplayInstrumentationInfo(ctx context.Context, assemblies int, threads int)
}

// NewUI picks the surface: interactive terminals get the TUI, everything
// else the plain table output.
func NewUI(cmd *cobra.Command, tty bool) UI {
	if tty {
		return NewTUI(cmd.OutOrStdout())
	}

	return NewSimpleUI(cmd)
}

// IsTTY reports whether f is an interactive terminal.
func IsTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
