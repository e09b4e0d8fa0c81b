package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/darshan-rambhia/remotefs"
)

var (
	errColor  = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
	okColor   = color.New(color.FgGreen)
	dirColor  = color.New(color.FgBlue, color.Bold)
	linkColor = color.New(color.FgCyan)
)

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithRendition(tw.Rendition{Borders: tw.Border{Left: tw.Pending, Right: tw.Pending, Top: tw.Pending, Bottom: tw.Pending}}),
	)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.MaxWidth = 0
		cfg.Header = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
		cfg.Row = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
	})
	return table
}

// renderEntries prints a directory listing. Entries arrive already sorted.
func renderEntries(w io.Writer, entries []remotefs.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Directory is empty")
		return nil
	}

	table := newTable(w)
	table.Header("Name", "Type", "Size", "Mode", "Modified")
	for _, e := range entries {
		name, size := e.Name, formatSize(e.Size)
		switch {
		case e.IsDir():
			name = dirColor.Sprint(name + "/")
			size = "-"
		case e.Symlink:
			name = linkColor.Sprint(name + "@")
		}
		table.Append([]string{
			name,
			e.Kind.String(),
			size,
			e.Mode.String(),
			e.ModTime.Format("Jan 02 15:04"),
		})
	}
	return table.Render()
}

// renderStat prints a single entry as key/value lines.
func renderStat(w io.Writer, p string, e remotefs.Entry) {
	fmt.Fprintf(w, "  Path:     %s\n", p)
	fmt.Fprintf(w, "  Type:     %s\n", e.Kind)
	if e.Symlink {
		fmt.Fprintf(w, "  Symlink:  yes\n")
	}
	fmt.Fprintf(w, "  Size:     %s (%d bytes)\n", formatSize(e.Size), e.Size)
	fmt.Fprintf(w, "  Mode:     %s\n", e.Mode)
	fmt.Fprintf(w, "  Modified: %s\n", e.ModTime.Format("2006-01-02 15:04:05"))
}

// renderSessions prints every live session; current is marked with '*'.
func renderSessions(w io.Writer, m *remotefs.SessionManager, current *remotefs.Session) error {
	sessions := m.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions")
		return nil
	}

	table := newTable(w)
	table.Header("", "Identity", "State", "Auth", "Host key")
	for _, s := range sessions {
		mark := ""
		if s == current {
			mark = "*"
		}
		key := s.HostKey()
		trust := "unknown"
		switch {
		case key.Known:
			trust = "known"
		case key.Recorded:
			trust = "recorded"
		}
		table.Append([]string{
			mark,
			s.Identity().String(),
			m.State(s.Identity()).String(),
			s.AuthSource(),
			strings.TrimSpace(key.Fingerprint + " " + trust),
		})
	}
	return table.Render()
}

// formatSize formats a file size in human-readable format.
func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
