package main

import (
	"fmt"
	"io"

	"github.com/dublarpro/jobwatch/internal/model"
	"github.com/dublarpro/jobwatch/internal/stage"
)

// printer writes a status line whenever it changes, followed by log lines
// not printed before.
type printer struct {
	out     io.Writer
	status  string
	lastLog model.LogEntry
	printed bool
	links   bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) Print(v model.View) {
	status := statusLine(v)
	if status != p.status {
		fmt.Fprintln(p.out, status)
		p.status = status
	}
	for _, e := range p.unseen(v.Logs) {
		fmt.Fprintf(p.out, "  %s %-7s %s\n", e.Timestamp, e.Level, e.Message)
	}
	if n := len(v.Logs); n > 0 {
		p.lastLog = v.Logs[n-1]
		p.printed = true
	}
	if v.Artifacts != nil && !p.links {
		p.printArtifacts(v.Artifacts)
		p.links = true
	}
}

func (p *printer) printArtifacts(a *model.Artifacts) {
	line := func(label, value string) {
		fmt.Fprintf(p.out, "  %-22s%s\n", label, value)
	}
	line("video:", a.Video)
	line("subtitles original:", a.SubtitlesOriginal)
	line("subtitles translated:", a.SubtitlesTranslated)
	if a.DurationS != nil {
		line("processing time:", fmt.Sprintf("%.1fs", *a.DurationS))
	}
}

// unseen returns the entries after the last one printed. If that entry has
// rotated out of the window the whole window is new.
func (p *printer) unseen(logs []model.LogEntry) []model.LogEntry {
	if !p.printed {
		return logs
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i] == p.lastLog {
			return logs[i+1:]
		}
	}
	return logs
}

func statusLine(v model.View) string {
	line := fmt.Sprintf("[%s] %-9s %5.1f%%  %s", v.JobID, v.StatusLabel, v.Percent, stage.Board(v.Snapshot))
	if pr := v.Snapshot.Progress; pr != nil && pr.Detail != "" {
		line += "  " + pr.Detail
	}
	if v.Snapshot.Error != nil {
		line += "  error: " + *v.Snapshot.Error
	}
	return line
}
