package local

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/slok/pkgworker/internal/backend"
)

const unknownTotalReportBytes = 1 << 20

// progressWriter wraps an io.Writer reporting the transferred bytes. Writes fail
// with backend.ErrCancelled once the context is done.
type progressWriter struct {
	ctx      context.Context
	dst      io.Writer
	total    uint64
	written  uint64
	reported uint64
	lastPct  int
	report   func(written uint64, pct int)
	mu       sync.Mutex
}

// newProgressWriter creates a new progress writer. If total is 0 the percentage is
// not known and reports happen every few written bytes.
func newProgressWriter(ctx context.Context, dst io.Writer, total uint64, report func(written uint64, pct int)) *progressWriter {
	return &progressWriter{
		ctx:     ctx,
		dst:     dst,
		total:   total,
		lastPct: -1,
		report:  report,
	}
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	if err := pw.ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", backend.ErrCancelled, err)
	}

	n, err := pw.dst.Write(p)

	pw.mu.Lock()
	pw.written += uint64(n)
	pw.maybeReport()
	pw.mu.Unlock()

	return n, err
}

// Finish reports the final state of the transfer.
func (pw *progressWriter) Finish() {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.lastPct == 100 {
		return
	}
	pw.lastPct = 100
	pw.report(pw.written, 100)
}

func (pw *progressWriter) maybeReport() {
	if pw.total == 0 {
		if pw.written-pw.reported < unknownTotalReportBytes {
			return
		}
		pw.reported = pw.written
		pw.report(pw.written, 0)
		return
	}

	pct := int(pw.written * 100 / pw.total)
	if pct > 100 {
		pct = 100
	}
	if pct == pw.lastPct {
		return
	}
	pw.lastPct = pct
	pw.report(pw.written, pct)
}
