package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/flowscope/internal/model"
	"github.com/tinytelemetry/flowscope/internal/socketrpc"
)

// printer renders command results as yaml, json or text.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: strings.ToLower(format)}
}

// value writes v in the structured formats. Text falls back to yaml.
func (p *printer) value(v any) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	// Round-trip through JSON so field names and custom encodings match the API.
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(plain); err != nil {
		return err
	}
	return enc.Close()
}

var (
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boldStyle  = lipgloss.NewStyle().Bold(true)
	levelStyle = map[model.Level]lipgloss.Style{
		model.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		model.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		model.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		model.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	stateStyle = map[model.ConnectionState]lipgloss.Style{
		model.StateDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		model.StateConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		model.StateConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		model.StateErrored:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	healthStyle = map[model.HealthStatus]lipgloss.Style{
		model.HealthHealthy:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		model.HealthDegraded: lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		model.HealthError:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func (p *printer) status(st socketrpc.StatusResult) error {
	if p.format != "text" {
		return p.value(st)
	}

	flow := st.FlowID
	if flow == "" {
		flow = dimStyle.Render("(none)")
	}
	lines := []string{
		fmt.Sprintf("%s %s", boldStyle.Render("flow:      "), flow),
		fmt.Sprintf("%s %s", boldStyle.Render("connection:"), stateStyle[st.ConnectionState].Render(st.ConnectionState.String())),
	}
	if st.Error != "" {
		lines = append(lines, fmt.Sprintf("%s %s", boldStyle.Render("error:     "), st.Error))
	}
	lines = append(lines, fmt.Sprintf("%s %d retained, %d dropped frames", boldStyle.Render("logs:      "), st.LogCount, st.DroppedFrames))
	if st.Health != nil {
		lines = append(lines, fmt.Sprintf("%s %s", boldStyle.Render("health:    "), healthStyle[st.Health.Overall].Render(string(st.Health.Overall))))
		for _, c := range st.Health.Components {
			line := fmt.Sprintf("  %s %s", healthStyle[c.Status].Render("●"), c.Name)
			if c.Type != "" {
				line += dimStyle.Render(" (" + c.Type + ")")
			}
			if c.Message != "" {
				line += " " + c.Message
			}
			lines = append(lines, line)
		}
	}
	_, err := fmt.Fprintln(p.w, strings.Join(lines, "\n"))
	return err
}

func (p *printer) logs(logs []model.LogEntry) error {
	if p.format != "text" {
		return p.value(logs)
	}
	for _, e := range logs {
		ts := time.UnixMilli(e.Timestamp).Format("15:04:05.000")
		level := fmt.Sprintf("%-5s", e.Level.String())
		if _, err := fmt.Fprintf(p.w, "%s %s %s %s\n",
			dimStyle.Render(ts), levelStyle[e.Level].Render(level), boldStyle.Render(e.Source), e.Message); err != nil {
			return err
		}
	}
	return nil
}
