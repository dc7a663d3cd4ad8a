package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/metalagman/deskloop/internal/model"
	"github.com/metalagman/deskloop/internal/session"
	"github.com/metalagman/deskloop/internal/web"
	"gopkg.in/yaml.v3"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func statusStyle(status model.Status) lipgloss.Style {
	style := lipgloss.NewStyle().Bold(true)
	switch status {
	case model.StatusDone:
		return style.Foreground(lipgloss.Color("10"))
	case model.StatusFail:
		return style.Foreground(lipgloss.Color("9"))
	case model.StatusWaiting:
		return style.Foreground(lipgloss.Color("11"))
	default:
		return style.Foreground(lipgloss.Color("12"))
	}
}

func renderSummaries(items []session.Summary) string {
	if len(items) == 0 {
		return dimStyle.Render("no sessions") + "\n"
	}
	idWidth := len("SESSION")
	for _, item := range items {
		idWidth = max(idWidth, len(item.SessionID))
	}
	idCol := lipgloss.NewStyle().Width(idWidth + 2)
	statusCol := lipgloss.NewStyle().Width(10)
	turnCol := lipgloss.NewStyle().Width(7)
	updatedCol := lipgloss.NewStyle().Width(22)

	var b strings.Builder
	b.WriteString(headerStyle.Render(lipgloss.JoinHorizontal(lipgloss.Top,
		idCol.Render("SESSION"), statusCol.Render("STATUS"), turnCol.Render("TURNS"),
		updatedCol.Render("UPDATED"), "INSTRUCTION")))
	b.WriteString("\n")
	for _, item := range items {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			idCol.Render(item.SessionID),
			statusCol.Inherit(statusStyle(item.Status)).Render(string(item.Status)),
			turnCol.Render(fmt.Sprint(item.Turn)),
			updatedCol.Render(item.UpdatedAt.Format("2006-01-02 15:04:05")),
			truncate(item.Instruction, 60),
		))
		b.WriteString("\n")
	}
	return b.String()
}

// sessionMarkdown renders a checkpoint as a markdown report. Images are
// never included.
func sessionMarkdown(st model.AgentState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", st.SessionID)
	fmt.Fprintf(&b, "**Instruction:** %s\n\n", st.Instruction)
	fmt.Fprintf(&b, "- Status: `%s`\n", st.Status)
	fmt.Fprintf(&b, "- Turns: %d\n", st.Turn)
	fmt.Fprintf(&b, "- Platform: %s\n", st.Env.Platform)
	fmt.Fprintf(&b, "- Updated: %s\n\n", st.UpdatedAt.Format("2006-01-02 15:04:05 MST"))

	if len(st.Trajectory) > 0 {
		b.WriteString("## Trajectory\n\n")
		b.WriteString("| Turn | Tool | Judgment | Plan | Executed |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, entry := range st.Trajectory {
			judgment := string(entry.Judgment)
			if judgment == "" {
				judgment = "-"
			}
			tool := string(entry.Tool)
			if tool == "" {
				tool = "-"
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n",
				entry.Turn, tool, judgment, cell(entry.Plan), cell(entry.Executed))
		}
		b.WriteString("\n")
	}
	if st.Reflection != "" {
		fmt.Fprintf(&b, "## Last reflection\n\n%s\n\n", st.Reflection)
	}
	if len(st.Notes) > 0 {
		b.WriteString("## Notes\n\n")
		for _, note := range st.Notes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}
	return b.String()
}

func renderMarkdown(md string) (string, error) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err != nil {
		return "", err
	}
	return r.Render(md)
}

// stateYAML converts through JSON so the YAML keys follow the checkpoint's
// JSON field names.
func stateYAML(st model.AgentState) ([]byte, error) {
	raw, err := json.Marshal(web.StripImages(st))
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\n", " ")
	return truncate(s, 80)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
