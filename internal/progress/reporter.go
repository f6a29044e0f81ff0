package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// Reporter provides progress feedback during long-running commands such as
// chain verification.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64, message string)
	Finish()
}

// NewReporter returns a TerminalReporter if running in an interactive terminal,
// or a CIReporter if the CI environment variable is set.
func NewReporter() Reporter {
	if os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != "" {
		return &CIReporter{Out: os.Stderr}
	}
	return &TerminalReporter{}
}

// TerminalReporter displays a progress bar in the terminal.
type TerminalReporter struct {
	bar *progressbar.ProgressBar
}

func (r *TerminalReporter) Start(total int64, description string) {
	r.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("entries"),
		progressbar.OptionShowIts(),
		progressbar.OptionClearOnFinish(),
	)
}

func (r *TerminalReporter) Update(current int64, message string) {
	if r.bar != nil {
		if message != "" {
			r.bar.Describe(message)
		}
		_ = r.bar.Set64(current)
	}
}

func (r *TerminalReporter) Finish() {
	if r.bar != nil {
		_ = r.bar.Finish()
	}
}

// CIReporter prints line-by-line progress suitable for CI logs.
type CIReporter struct {
	Out   io.Writer
	total int64
}

func (r *CIReporter) Start(total int64, description string) {
	r.total = total
	fmt.Fprintf(r.Out, "%s: %s entries\n", description, humanize.Comma(total))
}

func (r *CIReporter) Update(current int64, message string) {
	fmt.Fprintf(r.Out, "[%s/%s] %s\n", humanize.Comma(current), humanize.Comma(r.total), message)
}

func (r *CIReporter) Finish() {
	fmt.Fprintln(r.Out, "done")
}
