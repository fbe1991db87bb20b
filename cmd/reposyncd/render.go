package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/schaermu/reposyncd/internal/config"
	reposync "github.com/schaermu/reposyncd/internal/sync"
)

var (
	targetColor  = color.New(color.FgCyan, color.Bold)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	successColor = color.New(color.FgGreen)
)

func disableColor() {
	color.NoColor = true
}

// printEvent writes one progress line for target
func printEvent(w io.Writer, target string, ev reposync.Event) {
	line := ev.String()
	switch ev.Outcome {
	case reposync.OutcomeWarning:
		line = warnColor.Sprint(line)
	case reposync.OutcomeError:
		line = errorColor.Sprint(line)
	}
	_, _ = fmt.Fprintf(w, "%s %s\n", targetColor.Sprintf("[%s]", target), line)
}

func outcomeLabel(o reposync.Outcome) string {
	switch o {
	case reposync.OutcomeSuccess:
		return successColor.Sprint("OK")
	case reposync.OutcomeWarning:
		return warnColor.Sprint("WARNING")
	case reposync.OutcomeError:
		return errorColor.Sprint("FAILED")
	default:
		return o.String()
	}
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	style := table.StyleLight
	style.Title.Align = text.AlignCenter
	t.SetStyle(style)
	return t
}

// printSummary renders one row per target with its last result
func printSummary(w io.Writer, targets []config.TargetConfig, results []reposync.Result) {
	t := newTable(w, "Sync summary")
	t.AppendHeader(table.Row{"Target", "Mode", "Result", "Detail"})
	for i, res := range results {
		t.AppendRow(table.Row{targets[i].Name, string(targets[i].Mode), outcomeLabel(res.Outcome), res.String()})
	}
	t.Render()
}

// printTargets renders the configured targets with their installed release tag
func printTargets(w io.Writer, targets []config.TargetConfig, tags map[string]string) {
	t := newTable(w, "Targets")
	t.AppendHeader(table.Row{"Name", "Repository", "Path", "Mode", "Installed release"})
	for _, target := range targets {
		tag := tags[target.Repo]
		if tag == "" || !target.Mode.SyncsRelease() {
			tag = "-"
		}
		t.AppendRow(table.Row{target.Name, target.Repo, target.Path, string(target.Mode), tag})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, WidthMax: 60},
	})
	t.Render()
}
