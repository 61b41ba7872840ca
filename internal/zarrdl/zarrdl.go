// Package zarrdl implements ZarrDownloader (spec.md §4.5): downloads every
// entry of a Zarr asset through a bounded worker pool, reconciles the local
// tree against the remote entry set (deleting orphaned local files while
// preserving dotfiles), and verifies the aggregate Zarr checksum once every
// entry has landed.
//
// Grounded on the teacher's server/internal/client/ollama/registry_transfer.go
// (errgroup.WithContext + SetLimit bounded fan-out over chunks) and
// huggingface/download.go's parallel per-file download loop, combined with
// original_source/lincbrain/download.py's _download_zarr (tree-diff
// reconciliation step, zarr-checksum verification at the end).
package zarrdl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dandi/ddl/internal/asset"
	"github.com/dandi/ddl/internal/filedl"
	"github.com/dandi/ddl/internal/progressx"
	"github.com/dandi/ddl/internal/zarrsum"
)

// DefaultWorkers is the default bound on concurrent per-entry downloads
// within a single Zarr asset.
const DefaultWorkers = 4

// Downloader runs one ZarrAsset to completion.
type Downloader struct {
	Existing asset.ExistingPolicy
	Workers  int
}

func (d Downloader) workers() int {
	if d.Workers > 0 {
		return d.Workers
	}
	return DefaultWorkers
}

// Download fetches every entry of zarrAsset into destDir, reconciles the
// local tree against the remote entry set, and verifies the aggregate
// checksum. It returns the combined outer progress stream.
func (d Downloader) Download(ctx context.Context, zarrAsset asset.ZarrAsset, destDir string) <-chan progressx.Event {
	out := make(chan progressx.Event, 16)
	go func() {
		defer close(out)
		d.run(ctx, zarrAsset, destDir, out)
	}()
	return out
}

func (d Downloader) run(ctx context.Context, zarrAsset asset.ZarrAsset, destDir string, out chan<- progressx.Event) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		out <- progressx.ErrorEvent(zarrAsset.Path, err.Error())
		return
	}

	entryCh, errCh := zarrAsset.IterEntries(ctx)
	var entries []asset.ZarrEntry
	for e := range entryCh {
		entries = append(entries, e)
	}
	if err := <-errCh; err != nil {
		out <- progressx.ErrorEvent(zarrAsset.Path, err.Error())
		return
	}

	combiner := NewProgressCombiner(zarrAsset.Path, len(entries))

	childEvents := make(chan progressx.Event, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers())

	seenRemote := make(map[string]bool, len(entries))

	// verifiedMD5 collects the locally-computed digest for each entry, fed
	// in by filedl's DigestCallback once a fresh (non-resumed) transfer has
	// actually verified it — spec.md §4.5 step 5 requires the aggregate
	// checksum to fold in these locally-verified values, not the remote's
	// own claim, or a corrupted download could never be caught. Entries
	// that resumed or never finished a fresh transfer fall back to the
	// remote-declared md5 below, since nothing here re-reads bytes off disk.
	var mu sync.Mutex
	verifiedMD5 := make(map[string]string, len(entries))

	for _, e := range entries {
		e := e
		seenRemote[e.Path] = true

		g.Go(func() error {
			fd := filedl.Downloader{
				Existing: d.Existing,
				DigestCallback: func(algo, value string) {
					if algo != "md5" {
						return
					}
					mu.Lock()
					verifiedMD5[e.Path] = value
					mu.Unlock()
				},
			}
			blob := asset.BlobAsset{
				Ref: asset.Ref{
					Kind: asset.Blob, Path: e.Path,
					Size: e.Size, HasSize: true,
					Modified: e.Modified, HasModified: !e.Modified.IsZero(),
					Digests: map[string]string{"md5": e.MD5},
				},
				Open: e.Open,
			}
			destPath := filepath.Join(destDir, filepath.FromSlash(e.Path))
			for ev := range fd.Download(gctx, blob, destPath) {
				childEvents <- ev.WithPath(e.Path)
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(childEvents)
	}()

	// The combiner's terminal outer status is held back so the asset emits
	// exactly one terminal record, after reconciliation and verification.
	final := progressx.DoneTerminalEvent(zarrAsset.Path)
	for ev := range childEvents {
		for _, outEv := range combiner.Feed(ev) {
			if outEv.IsTerminal() {
				final = outEv
				continue
			}
			out <- outEv
		}
	}

	out <- progressx.StatusEvent(zarrAsset.Path, progressx.StatusDeleting)
	if err := d.reconcile(destDir, seenRemote); err != nil {
		out <- progressx.ErrorEvent(zarrAsset.Path, err.Error())
		return
	}

	if combiner.Failed() {
		out <- progressx.ErrorEvent(zarrAsset.Path, combiner.tally())
		return
	}

	if zarrAsset.ZarrChecksumValue != "" && combiner.AnyDownloaded() {
		checksumEntries := make([]zarrsum.Entry, 0, len(entries))
		for _, e := range entries {
			md5 := e.MD5
			if got, ok := verifiedMD5[e.Path]; ok {
				md5 = got
			}
			checksumEntries = append(checksumEntries, zarrsum.Entry{Path: e.Path, MD5: md5, Size: e.Size})
		}
		computed := zarrsum.Aggregate(checksumEntries)
		if computed != zarrAsset.ZarrChecksumValue {
			out <- progressx.ChecksumMismatchEvent(zarrAsset.Path,
				fmt.Sprintf("zarr checksum mismatch: computed %s, declared %s", computed, zarrAsset.ZarrChecksumValue))
			return
		}
		out <- progressx.ChecksumEvent(zarrAsset.Path, progressx.ChecksumOK)
	}

	out <- final
}

// reconcile walks the local destDir tree and removes any file not present
// in the remote entry set, preserving excluded dotfiles
// (asset.IsExcludedDotfile) regardless of whether the remote names them.
func (d Downloader) reconcile(destDir string, seenRemote map[string]bool) error {
	var toDelete []string
	err := filepath.Walk(destDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(destDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if asset.IsExcludedDotfile(rel) {
			return nil
		}
		if !seenRemote[rel] {
			toDelete = append(toDelete, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("zarrdl: walking local tree: %w", err)
	}

	for _, p := range toDelete {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("zarrdl: removing orphaned entry %s: %w", p, err)
		}
	}
	return pruneEmptyDirs(destDir)
}

// pruneEmptyDirs removes directories left empty after orphan deletion,
// innermost first, stopping at destDir itself.
func pruneEmptyDirs(destDir string) error {
	var dirs []string
	err := filepath.Walk(destDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != destDir {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
	return nil
}
