// Package coordinator implements the top-level asset dispatch loop (spec.md
// §4.7): enumerate assets from an ArchiveClient, dispatch each to
// filedl/zarrdl, and fold the per-asset outcomes into an ItemsSummary.
// Enumeration always runs concurrently with downloading.
//
// Grounded on original_source/lincbrain/download.py's Downloader/download()
// and ItemsSummary/PYOUTHelper, combined with the teacher's cmd/cmd_pull_push.go
// PullHandler (a single status/progress callback fed from a client call) and
// server/images_registry.go's PullModel (dispatch over a manifest's layers,
// one worker per layer, errors folded back into a single return value).
package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/dandi/ddl/internal/asset"
	"github.com/dandi/ddl/internal/filedl"
	"github.com/dandi/ddl/internal/progressx"
	"github.com/dandi/ddl/internal/zarrdl"
)

// DefaultJobs is the default bound on concurrent blob/Zarr asset downloads a
// Coordinator runs at once (spec.md §5).
const DefaultJobs = 6

// ItemsSummary tallies the outcome of every asset the Coordinator has
// dispatched, mirroring the Python original's ItemsSummary: one bucket per
// terminal status plus a running byte total.
type ItemsSummary struct {
	Downloaded   int64
	Skipped      int64
	Errored      int64
	BytesWritten int64
}

func (s *ItemsSummary) recordTerminal(status progressx.Status, bytes int64) {
	switch status {
	case progressx.StatusDone:
		atomic.AddInt64(&s.Downloaded, 1)
		atomic.AddInt64(&s.BytesWritten, bytes)
	case progressx.StatusSkipped:
		atomic.AddInt64(&s.Skipped, 1)
	case progressx.StatusError:
		atomic.AddInt64(&s.Errored, 1)
	}
}

// OK reports whether every dispatched asset finished without error.
func (s *ItemsSummary) OK() bool {
	return atomic.LoadInt64(&s.Errored) == 0
}

// Snapshot reads the current tallies in one call, convenient for a renderer
// polling from a separate goroutine.
func (s *ItemsSummary) Snapshot() ItemsSummary {
	return ItemsSummary{
		Downloaded:   atomic.LoadInt64(&s.Downloaded),
		Skipped:      atomic.LoadInt64(&s.Skipped),
		Errored:      atomic.LoadInt64(&s.Errored),
		BytesWritten: atomic.LoadInt64(&s.BytesWritten),
	}
}

// String renders the summary the way lincbrain/download.py's PYOUTHelper
// renders its final tally line, with human-readable byte counts.
func (s *ItemsSummary) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("downloaded %d, skipped %d, errored %d (%s)",
		snap.Downloaded, snap.Skipped, snap.Errored, humanize.Bytes(uint64(snap.BytesWritten)))
}

// Options configures a Coordinator run.
type Options struct {
	Existing asset.ExistingPolicy
	Format   asset.Format
	// Jobs bounds how many assets (blob or Zarr) download concurrently.
	// Zero means DefaultJobs.
	Jobs        int
	ZarrWorkers int
	// Sync, when true, deletes local files not named by the remote asset
	// set after every enumerated asset has been dispatched (spec.md's
	// sync-mode, grounded on lincbrain/download.py's delete_for_sync).
	Sync bool
	// ConfirmSync, when set, is consulted with the computed deletion
	// candidates before Sync actually removes anything; returning false
	// cancels the sync step without error. A nil ConfirmSync proceeds
	// unconditionally, for programmatic callers that already confirmed
	// out of band.
	ConfirmSync func(candidates []string) bool
}

func (o Options) jobs() int {
	if o.Jobs > 0 {
		return o.Jobs
	}
	return DefaultJobs
}

// Coordinator drives one top-level download run against an ArchiveClient.
type Coordinator struct {
	Client  asset.ArchiveClient
	Options Options
}

// AssetError pairs a failed asset's path with the message from its terminal
// error event, used to build the DEBUG-format return value.
type AssetError struct {
	Path    string
	Message string
}

func (e AssetError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Run enumerates assets from the Coordinator's client and downloads each
// into destDir, honoring Options.Existing and dispatching ZARR assets
// through zarrdl. Enumeration runs concurrently with dispatch: the
// background enumerator goroutine feeds an internal channel the dispatch
// loop drains, so a slow archive listing never blocks an already-discovered
// asset from starting (spec.md §5, §9).
//
// progressOut, if non-nil, receives every path-tagged progress.Event the
// run produces; the caller may use it to render a live status display. Run
// always returns once either the asset stream is exhausted and every
// dispatched asset has reached a terminal state, or ctx is cancelled.
func (c Coordinator) Run(ctx context.Context, destDir string, progressOut chan<- progressx.Event) (*ItemsSummary, error) {
	summary := &ItemsSummary{}

	enumerator := &AggregatingEnumerator{}
	refCh, enumErrCh := enumerator.Start(ctx, c.Client)

	var (
		seenMu   sync.Mutex
		seenPaths []string

		errMu    sync.Mutex
		firstErr error
	)
	recordErr := func(e AssetError) {
		if c.Options.Format != asset.FormatDebug {
			return
		}
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = e
		}
	}

	childEvents := make(chan progressx.Event, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Options.jobs())

	for ref := range refCh {
		ref := ref

		seenMu.Lock()
		seenPaths = append(seenPaths, ref.Path)
		seenMu.Unlock()

		g.Go(func() error {
			c.dispatch(gctx, ref, destDir, childEvents, summary, recordErr)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(childEvents)
	}()

	for ev := range childEvents {
		if progressOut != nil {
			progressOut <- ev
		}
	}

	if err := <-enumErrCh; err != nil {
		return summary, fmt.Errorf("coordinator: enumerating assets: %w", err)
	}

	if firstErr != nil {
		return summary, firstErr
	}

	if c.Options.Sync {
		candidates, err := syncCandidates(destDir, seenPaths)
		if err != nil {
			return summary, fmt.Errorf("coordinator: sync cleanup: %w", err)
		}
		if len(candidates) > 0 && c.Options.ConfirmSync != nil && !c.Options.ConfirmSync(candidates) {
			return summary, nil
		}
		if err := applySync(destDir, candidates); err != nil {
			return summary, fmt.Errorf("coordinator: sync cleanup: %w", err)
		}
	}

	return summary, nil
}

// dispatch downloads a single enumerated asset, forwarding its progress
// stream into childEvents and folding its terminal outcome into summary.
// A per-asset failure never aborts sibling dispatches (spec.md §7's
// propagation policy): this method always returns control normally,
// reporting errors only through childEvents/summary/recordErr.
func (c Coordinator) dispatch(ctx context.Context, ref asset.Ref, destDir string, childEvents chan<- progressx.Event, summary *ItemsSummary, recordErr func(AssetError)) {
	destPath := filepath.Join(destDir, filepath.FromSlash(ref.Path))

	var events <-chan progressx.Event
	switch ref.Kind {
	case asset.Zarr:
		za, err := c.Client.OpenZarr(ctx, ref)
		if err != nil {
			childEvents <- progressx.ErrorEvent(ref.Path, err.Error())
			summary.recordTerminal(progressx.StatusError, 0)
			recordErr(AssetError{Path: ref.Path, Message: err.Error()})
			return
		}
		zd := zarrdl.Downloader{Existing: c.Options.Existing, Workers: c.Options.ZarrWorkers}
		events = zd.Download(ctx, za, destPath)
	default:
		ba, err := c.Client.OpenBlob(ctx, ref)
		if err != nil {
			childEvents <- progressx.ErrorEvent(ref.Path, err.Error())
			summary.recordTerminal(progressx.StatusError, 0)
			recordErr(AssetError{Path: ref.Path, Message: err.Error()})
			return
		}
		fd := filedl.Downloader{Existing: c.Options.Existing}
		events = fd.Download(ctx, ba, destPath)
	}

	var lastDone uint64
	for ev := range events {
		childEvents <- ev
		if ev.HasDone {
			lastDone = ev.Done
		}
		if ev.IsTerminal() {
			summary.recordTerminal(ev.Status, int64(lastDone))
			if ev.Status == progressx.StatusError {
				recordErr(AssetError{Path: ev.Path, Message: ev.Message})
			}
		}
	}
}
