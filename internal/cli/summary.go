package cli

import (
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"skulink/internal/service"
)

var (
	summaryTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	summaryLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086")).Width(12)
	summaryValue = lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1"))
	summaryWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9E2AF"))
)

func renderSummary(sum service.Summary, elapsed time.Duration) string {
	var b strings.Builder
	b.WriteString(summaryTitle.Render("skulink summary"))
	row := func(label string, n int, style lipgloss.Style) {
		b.WriteByte('\n')
		b.WriteString(summaryLabel.Render(label))
		b.WriteString(style.Render(humanize.Comma(int64(n))))
	}
	row("ingested", sum.Ingested, summaryValue)
	if sum.Skipped > 0 {
		row("skipped", sum.Skipped, summaryWarn)
	}
	row("replicated", sum.Replicated, summaryValue)
	row("linked", sum.Linked, summaryValue)
	b.WriteByte('\n')
	b.WriteString(summaryLabel.Render("elapsed"))
	b.WriteString(elapsed.Round(time.Millisecond).String())
	return b.String()
}
