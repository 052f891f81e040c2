package output

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/joescharf/forest/internal/models"
)

// UI writes human-facing CLI output. Notices go to Out, problems go to
// ErrOut so that --json output on Out stays machine readable.
type UI struct {
	Verbose bool
	DryRun  bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New returns a UI bound to the process's stdout and stderr.
func New() *UI {
	return &UI{Out: os.Stdout, ErrOut: os.Stderr}
}

type level int

const (
	levelInfo level = iota
	levelSuccess
	levelWarning
	levelDetail
)

var marks = map[level]string{
	levelInfo:    color.New(color.FgHiBlue).Sprint("i"),
	levelSuccess: color.New(color.FgHiGreen).Sprint("✓"),
	levelWarning: color.New(color.FgHiYellow).Sprint("⚠"),
	levelDetail:  color.New(color.FgHiBlack).Sprint("  ·"),
}

var (
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
)

// Cyan highlights a name.
func Cyan(s string) string { return cyan(s) }

// StatusColor renders a worktree status: green when clean, red with
// conflicts, yellow for any other change.
func StatusColor(s models.StatusSummary) string {
	switch text := s.String(); {
	case s.Conflicted > 0:
		return red(text)
	case s.Dirty():
		return yellow(text)
	default:
		return green(text)
	}
}

// CountColor renders an optional count; nil means not yet known.
func CountColor(n *int) string {
	if n == nil {
		return "-"
	}
	if *n == 0 {
		return "0"
	}
	return cyan(strconv.Itoa(*n))
}

func (u *UI) emit(w io.Writer, lvl level, format string, a []any) {
	fmt.Fprintf(w, "%s %s\n", marks[lvl], fmt.Sprintf(format, a...))
}

// Info prints a neutral notice.
func (u *UI) Info(format string, a ...any) { u.emit(u.Out, levelInfo, format, a) }

// Success reports a completed change.
func (u *UI) Success(format string, a ...any) { u.emit(u.Out, levelSuccess, format, a) }

// Warning reports a problem that did not stop the command.
func (u *UI) Warning(format string, a ...any) { u.emit(u.ErrOut, levelWarning, format, a) }

// VerboseLog prints only with --verbose.
func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		u.emit(u.Out, levelDetail, format, a)
	}
}

// DryRunMsg describes a change that --dry-run skipped.
func (u *UI) DryRunMsg(format string, a ...any) {
	if u.DryRun {
		u.emit(u.ErrOut, levelWarning, "[dry-run] "+format, a)
	}
}

// Table returns a borderless, left-aligned table writing to Out.
func (u *UI) Table(headers []string) *tablewriter.Table {
	t := tablewriter.NewTable(u.Out,
		tablewriter.WithRendition(tw.Rendition{
			Borders:  tw.BorderNone,
			Settings: tw.Settings{Lines: tw.LinesNone, Separators: tw.SeparatorsNone},
		}),
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithPadding(tw.Padding{Right: "  "}),
	)
	t.Header(headers)
	return t
}
