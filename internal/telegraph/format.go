package telegraph

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/rhythms/internal/session"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// ItemGroup is a titled bullet list within a formatted event.
type ItemGroup struct {
	Name  string
	Items []string
}

// FormatItems renders groups as a bulleted body. Empty groups show "none".
func FormatItems(title, severity string, groups []ItemGroup) FormattedEvent {
	var lines []string
	fields := make([]Field, 0, len(groups))
	for _, g := range groups {
		lines = append(lines, fmt.Sprintf("**%s**", g.Name))
		if len(g.Items) == 0 {
			lines = append(lines, "• none")
		}
		for _, item := range g.Items {
			lines = append(lines, "• "+item)
		}
		fields = append(fields, Field{Name: g.Name, Value: fmt.Sprintf("%d", len(g.Items)), Short: true})
	}
	return FormattedEvent{
		Title:    title,
		Body:     strings.Join(lines, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// FormatNotice formats a one-off status line such as a timeout or failure.
func FormatNotice(severity, title, body string) FormattedEvent {
	return FormattedEvent{
		Title:    title,
		Body:     body,
		Severity: severity,
		Color:    severityColor(severity),
	}
}

// FormatSessionList formats saved sessions for the "sessions" command.
func FormatSessionList(owner string, infos []session.Info) FormattedEvent {
	if len(infos) == 0 {
		return FormatNotice("info", fmt.Sprintf("No saved sessions for %s", owner), "")
	}
	lines := make([]string, 0, len(infos))
	for _, in := range infos {
		stage := in.LastActiveStage
		if stage == "" {
			stage = "-"
		}
		lines = append(lines, fmt.Sprintf("`%s` %s, last stage %s (%s)",
			in.SessionID, strings.ToLower(string(in.Status)), stage, in.CreatedAt.UTC().Format(time.RFC3339)))
	}
	return FormattedEvent{
		Title:    fmt.Sprintf("Saved sessions for %s", owner),
		Body:     strings.Join(lines, "\n"),
		Severity: "info",
		Color:    ColorInfo,
		Fields:   []Field{{Name: "Sessions", Value: fmt.Sprintf("%d", len(infos)), Short: true}},
	}
}

// PlainText flattens a message's events into text for transports without
// attachment support.
func PlainText(msg OutboundMessage) string {
	parts := []string{}
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	for _, ev := range msg.Events {
		if ev.Title != "" {
			parts = append(parts, ev.Title)
		}
		if ev.Body != "" {
			parts = append(parts, ev.Body)
		}
	}
	return strings.Join(parts, "\n")
}
