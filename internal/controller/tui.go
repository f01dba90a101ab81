package controller

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"ilcov.dev/pkg/ilcov/internal/report"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	moduleStyle = lipgloss.NewStyle().Bold(true)
	zeroStyle   = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("240"))
	helpStyle   = lipgloss.NewStyle().Faint(true)
)

// TUI implements UI using Bubble Tea for interactive display.
type TUI struct {
	output io.Writer
}

// NewTUI creates a new TUI.
func NewTUI(output io.Writer) *TUI {
	return &TUI{output: output}
}

// DisplaySummary renders the per-module totals with a coverage bar. The
// summary is always short, so it prints and returns without entering the
// interactive loop.
func (p *TUI) DisplaySummary(ctx context.Context, doc *report.Document, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if err != nil {
		fmt.Fprintf(p.output, "report error: %v\n", err)
		return err
	}

	summaries := Summarize(doc)
	totals := ModuleSummary{}

	var b strings.Builder

	b.WriteString(titleStyle.Render("ilcov · coverage summary"))
	b.WriteString("\n\n")

	for _, summary := range summaries {
		line := fmt.Sprintf("  %s: %d/%d points (%.1f%%), %d visits",
			summary.Name, summary.Covered, summary.Points, summary.Percent(), summary.Visits)

		if summary.Covered == 0 {
			line = zeroStyle.Render(line)
		}

		b.WriteString(line)
		b.WriteString("\n")

		totals.Points += summary.Points
		totals.Covered += summary.Covered
		totals.Visits += summary.Visits
	}

	bar := progress.New(progress.WithDefaultGradient())
	b.WriteString("\n  ")
	b.WriteString(bar.ViewAs(totals.Percent() / 100))
	fmt.Fprintf(&b, "\n  %d/%d points covered across %d module(s)\n",
		totals.Covered, totals.Points, len(summaries))

	_, writeErr := fmt.Fprint(p.output, b.String())

	return writeErr
}

// DisplayReport opens the scrollable per-method view. Short reports print
// straight to the output; longer ones run the interactive pager.
func (p *TUI) DisplayReport(ctx context.Context, doc *report.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	model := newCoverageModel(buildReportLines(doc))

	// Get initial terminal size
	if f, ok := p.output.(*os.File); ok {
		width, height, err := term.GetSize(int(f.Fd()))
		if err == nil {
			model.resize(width, height)
		}
	}

	if !model.needsPagination() {
		_, err := fmt.Fprint(p.output, model.plainView())
		return err
	}

	program := tea.NewProgram(model, tea.WithOutput(p.output), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return err
	}

	return nil
}

// DisplayInstrumentationInfo shows concurrency settings for an
// instrumentation run.
func (p *TUI) DisplayInstrumentationInfo(ctx context.Context, assemblies int, threads int) {
	if err := ctx.Err(); err != nil {
		return
	}

	fmt.Fprintf(p.output, "Instrumenting %d assemblies with %d worker(s)\n", assemblies, threads)
}

func buildReportLines(doc *report.Document) []string {
	lines := []string{}

	for _, mod := range doc.Modules {
		lines = append(lines, moduleStyle.Render(fmt.Sprintf("%s (%s)", mod.Name, mod.ID)))

		for _, method := range mod.Methods {
			covered := 0
			for _, point := range method.Points {
				if point.Visits() > 0 {
					covered++
				}
			}

			lines = append(lines, fmt.Sprintf("  %s: %d/%d points", method.Name, covered, len(method.Points)))

			for _, point := range method.Points {
				line := fmt.Sprintf("    line %d: %d", point.Line, point.Visits())
				if point.Visits() == 0 {
					line = zeroStyle.Render(line)
				}

				lines = append(lines, line)
			}
		}
	}

	return lines
}

// Reserved lines around the viewport: title, blank, blank, help.
const reservedLines = 4

// coverageModel is the Bubble Tea model paging through the report lines.
type coverageModel struct {
	lines    []string
	viewport viewport.Model
	height   int
	width    int
	ready    bool
	quitting bool
}

func newCoverageModel(lines []string) coverageModel {
	return coverageModel{lines: lines}
}

func (cm *coverageModel) resize(width, height int) {
	cm.width = width
	cm.height = height

	available := height - reservedLines
	if available < 1 {
		available = 1
	}

	if !cm.ready {
		cm.viewport = viewport.New(width, available)
		cm.viewport.SetContent(strings.Join(cm.lines, "\n"))
		cm.ready = true

		return
	}

	cm.viewport.Width = width
	cm.viewport.Height = available
}

func (cm coverageModel) needsPagination() bool {
	if len(cm.lines) == 0 || cm.height == 0 {
		return false
	}

	return len(cm.lines) > cm.height-reservedLines
}

func (cm coverageModel) Init() tea.Cmd {
	return nil
}

func (cm coverageModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		cm.resize(msg.Width, msg.Height)

		return cm, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			cm.quitting = true
			return cm, tea.Quit
		}
	}

	var cmd tea.Cmd
	cm.viewport, cmd = cm.viewport.Update(msg)

	return cm, cmd
}

func (cm coverageModel) View() string {
	if !cm.ready {
		return ""
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("ilcov · coverage report"))
	b.WriteString("\n\n")
	b.WriteString(cm.viewport.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("  ↑/k: up | ↓/j: down | pgup/pgdn: page | q: quit"))

	return b.String()
}

// plainView renders everything without the pager chrome.
func (cm coverageModel) plainView() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("ilcov · coverage report"))
	b.WriteString("\n\n")

	if len(cm.lines) == 0 {
		b.WriteString("  no modules in report\n")
		return b.String()
	}

	for _, line := range cm.lines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	return b.String()
}
