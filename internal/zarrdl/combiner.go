// ProgressCombiner folds the per-entry progress streams of a Zarr asset's
// concurrent FileDownloader workers into one outer stream for the asset as
// a whole (spec.md §4.6).
//
// Grounded on original_source/lincbrain/download.py's ProgressCombiner
// dataclass: it tracks one Combined record per child path, keeping a
// running total size and done-bytes count across all children, and only
// re-emits the outer record when a rule says the visible state actually
// changed (size growing, done bytes advancing, or the outer status
// transitioning). Errors subtract a failed entry's contribution from the
// running maxsize the same way the Python original does, so one failing
// entry in a large Zarr doesn't make the aggregate percentage look stuck.
package zarrdl

import (
	"fmt"
	"strings"

	"github.com/dandi/ddl/internal/progressx"
)

type entryState struct {
	hasSize bool
	size    uint64
	done    uint64
	status  progressx.Status
	errored bool
}

// ProgressCombiner accumulates per-entry progress.Events and produces the
// outer, asset-level stream via Feed.
type ProgressCombiner struct {
	path     string
	entries  map[string]*entryState
	total    int
	finished int
	errored  int
	skipped  int
	done     int

	anyDownloading bool

	maxSize   uint64
	doneBytes uint64

	lastOutStatus progressx.Status
	haveOutStatus bool
}

// NewProgressCombiner creates a combiner for a Zarr asset of the given path,
// expecting exactly entryCount child entries to report in.
func NewProgressCombiner(path string, entryCount int) *ProgressCombiner {
	return &ProgressCombiner{
		path:    path,
		entries: make(map[string]*entryState, entryCount),
		total:   entryCount,
	}
}

// Feed folds one child event (already tagged with its entry path) into the
// combiner's running state and returns the outer events it produces, if any.
// A child's events are expected on the same goroutine that calls Feed, or
// serialized by the caller; ProgressCombiner itself is not concurrency-safe.
func (c *ProgressCombiner) Feed(e progressx.Event) []progressx.Event {
	st := c.entries[e.Path]
	if st == nil {
		st = &entryState{}
		c.entries[e.Path] = st
	}

	var out []progressx.Event

	if e.HasSize {
		if st.hasSize {
			c.maxSize -= st.size
		}
		st.size = e.Size
		st.hasSize = true
		c.maxSize += st.size
		out = append(out, progressx.SizeEvent(c.path, c.maxSize))
	}

	if e.HasDone {
		c.doneBytes += e.Done - st.done
		st.done = e.Done
		pct := 0.0
		hasPct := c.maxSize > 0
		if hasPct {
			pct = float64(c.doneBytes) / float64(c.maxSize) * 100
		}
		out = append(out, progressx.DoneEvent(c.path, c.doneBytes, pct, hasPct))
	}

	if e.HasStatus {
		switch e.Status {
		case progressx.StatusDownloading:
			st.status = e.Status
			c.anyDownloading = true
		case progressx.StatusError:
			st.status = e.Status
			st.errored = true
			c.errored++
			// A failed entry's declared size no longer counts toward the
			// aggregate: its bytes will never arrive.
			if st.hasSize {
				c.maxSize -= st.size
				st.size = 0
			}
			c.finished++
			out = append(out, progressx.Event{Path: c.path, HasMessage: true, Message: c.tally()})
		case progressx.StatusSkipped:
			st.status = e.Status
			c.skipped++
			c.finished++
			out = append(out, progressx.Event{Path: c.path, HasMessage: true, Message: c.tally()})
		case progressx.StatusDone:
			st.status = e.Status
			c.done++
			c.finished++
			out = append(out, progressx.Event{Path: c.path, HasMessage: true, Message: c.tally()})
		default:
			st.status = e.Status
		}

		outStatus, changed := c.deriveOuterStatus()
		if changed {
			c.lastOutStatus = outStatus
			c.haveOutStatus = true
			out = append(out, progressx.StatusEvent(c.path, outStatus))
		}
	}

	return out
}

// tally renders the comma-joined "k done, k errored, k skipped" message
// spec.md §4.6 calls for, omitting any bucket currently at zero.
func (c *ProgressCombiner) tally() string {
	var parts []string
	if c.done > 0 {
		parts = append(parts, fmt.Sprintf("%d done", c.done))
	}
	if c.errored > 0 {
		parts = append(parts, fmt.Sprintf("%d errored", c.errored))
	}
	if c.skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", c.skipped))
	}
	return strings.Join(parts, ", ")
}

// deriveOuterStatus computes the asset-level status: downloading once at
// least one non-skipped entry has reported DOWNLOADING; once every entry has
// reached a terminal state, error if any errored, else done if any
// completed, else skipped. The outer record is only re-emitted when this
// value actually changes from the last one reported.
func (c *ProgressCombiner) deriveOuterStatus() (progressx.Status, bool) {
	var next progressx.Status
	switch {
	case c.finished >= c.total:
		switch {
		case c.errored > 0:
			next = progressx.StatusError
		case c.done > 0:
			next = progressx.StatusDone
		default:
			next = progressx.StatusSkipped
		}
	case c.anyDownloading:
		next = progressx.StatusDownloading
	default:
		return c.lastOutStatus, false
	}
	if c.haveOutStatus && c.lastOutStatus == next {
		return next, false
	}
	return next, true
}

// Done reports whether every expected entry has reported a terminal status.
func (c *ProgressCombiner) Done() bool { return c.finished >= c.total }

// Failed reports whether at least one entry ended in error.
func (c *ProgressCombiner) Failed() bool { return c.errored > 0 }

// AnyDownloaded reports whether at least one entry actually completed a
// transfer, as opposed to every entry being skipped. Per spec.md §4.5, the
// aggregate Zarr checksum only needs recomputing when something changed.
func (c *ProgressCombiner) AnyDownloaded() bool { return c.done > 0 }
