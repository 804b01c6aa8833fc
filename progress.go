package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/skyvault/skyvault-go/internal/transfer"
)

// progressRenderer draws an in-place transfer progress line on stderr when
// stderr is a terminal. Non-terminal or quiet runs get no live updates; the
// command prints its own final summary.
type progressRenderer struct {
	enabled bool

	mu      sync.Mutex
	lastLen int
}

func newProgressRenderer() *progressRenderer {
	return &progressRenderer{
		enabled: !flagQuiet && isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// update receives progress snapshots from the transfer engine.
func (r *progressRenderer) update(p transfer.Progress) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p.State.Terminal() {
		r.clearLine()
		return
	}

	verb := "Downloading"
	if p.Kind == transfer.KindUpload {
		verb = "Uploading"
	}

	var pct int64
	if p.Total > 0 {
		pct = 100 * p.Transferred / p.Total
	}

	line := fmt.Sprintf("%s %3d%%  %s / %s  %s/s",
		verb, pct, formatSize(p.Transferred), formatSize(p.Total), formatSize(int64(p.Rate)))

	// Pad over whatever the previous line left behind.
	if pad := r.lastLen - len(line); pad > 0 {
		line += strings.Repeat(" ", pad)
	}

	fmt.Fprintf(os.Stderr, "\r%s", line)
	r.lastLen = len(line)
}

// clearLine erases the in-place progress line so the final summary starts on
// a clean line. Caller holds r.mu.
func (r *progressRenderer) clearLine() {
	if r.lastLen == 0 {
		return
	}

	fmt.Fprintf(os.Stderr, "\r%s\r", strings.Repeat(" ", r.lastLen))
	r.lastLen = 0
}
