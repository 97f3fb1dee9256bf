// Package progress reports byte progress of a push to the terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Reporter receives progress of one transfer.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish()
	Error(err error)
	SetDescription(desc string)
}

// New returns a progress bar when out is a terminal and a line reporter
// otherwise.
func New(out *os.File) Reporter {
	if term.IsTerminal(int(out.Fd())) {
		enableANSI(out)
		return &CLIProgress{out: out}
	}
	return &LineProgress{out: out}
}

// CLIProgress renders a progress bar.
type CLIProgress struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

// NewCLIProgress creates a progress bar reporter writing to out.
func NewCLIProgress(out io.Writer) *CLIProgress {
	return &CLIProgress{out: out}
}

// Start initializes the progress bar with total size and description.
func (p *CLIProgress) Start(total int64, description string) {
	out := p.out
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Update moves the bar to current.
func (p *CLIProgress) Update(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// Finish completes the progress bar.
func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error prints err below the bar.
func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "\nError: %v\n", err)
	}
}

// SetDescription updates the progress bar description.
func (p *CLIProgress) SetDescription(desc string) {
	if p.bar != nil {
		p.bar.Describe(desc)
	}
}

// LineProgress prints start and finish lines, for logs and pipes.
type LineProgress struct {
	out     io.Writer
	desc    string
	total   int64
	current int64
}

// NewLineProgress creates a line reporter writing to out.
func NewLineProgress(out io.Writer) *LineProgress {
	return &LineProgress{out: out}
}

func (p *LineProgress) Start(total int64, description string) {
	p.total = total
	p.desc = description
	fmt.Fprintf(p.out, "%s (%.1f MiB)\n", description, float64(total)/(1024*1024))
}

func (p *LineProgress) Update(current int64) {
	p.current = current
}

func (p *LineProgress) Finish() {
	fmt.Fprintf(p.out, "%s: sent %d of %d bytes\n", p.desc, p.current, p.total)
}

func (p *LineProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "Error: %v\n", err)
	}
}

func (p *LineProgress) SetDescription(desc string) {
	p.desc = desc
}

// NoOpProgress is a progress reporter that does nothing.
type NoOpProgress struct{}

// NewNoOpProgress creates a new no-op progress reporter.
func NewNoOpProgress() *NoOpProgress {
	return &NoOpProgress{}
}

func (p *NoOpProgress) Start(total int64, description string) {}
func (p *NoOpProgress) Update(current int64)                  {}
func (p *NoOpProgress) Finish()                               {}
func (p *NoOpProgress) Error(err error)                       {}
func (p *NoOpProgress) SetDescription(desc string)            {}

// ProgressReader wraps an io.Reader to report progress.
type ProgressReader struct {
	reader   io.Reader
	reporter Reporter
	current  atomic.Int64
}

// NewProgressReader creates a new progress-reporting reader.
func NewProgressReader(reader io.Reader, reporter Reporter) *ProgressReader {
	return &ProgressReader{reader: reader, reporter: reporter}
}

// Read implements io.Reader interface with progress reporting.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.reporter.Update(pr.current.Add(int64(n)))
	}
	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *ProgressReader) BytesRead() int64 {
	return pr.current.Load()
}
