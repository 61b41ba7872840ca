// Package filedl implements FileDownloader (spec.md §4.4): the single-file
// download engine that applies an existence policy, resumes partial
// transfers by byte range, verifies a streaming digest, retries transient
// failures, and publishes the result atomically.
//
// Grounded on the teacher's server/download_blob.go run/downloadChunk
// (retry loop around a byte-range GET, part-progress callback) and
// server/internal/client/ollama/registry_transfer.go's chunked pull with
// per-chunk digest verification, combined with
// original_source/lincbrain/download.py's _download_file (existence-policy
// branch, annex-aware OVERWRITE_DIFFERENT check, mtime restoration).
package filedl

import (
	"context"
	"crypto/md5" //nolint:gosec // dandi md5 digest, not used for security
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dandi/ddl/internal/asset"
	"github.com/dandi/ddl/internal/dldir"
	"github.com/dandi/ddl/internal/etag"
	"github.com/dandi/ddl/internal/metrics"
	"github.com/dandi/ddl/internal/progressx"
)

// ErrChecksumMismatch is returned when the locally computed digest disagrees
// with the asset's declared digest, or when a declared multipart ETag's part
// count disagrees with the one computed from the declared size.
var ErrChecksumMismatch = errors.New("filedl: checksum mismatch")

// ErrAnnexRefresh is returned when ExistingRefresh targets a path that is a
// git-annex symlink: refresh decides staleness from the existing file's size
// and modification time, and a placeholder symlink's own metadata does not
// describe the annexed content.
var ErrAnnexRefresh = errors.New("filedl: cannot refresh a git-annex placeholder")

const maxAttempts = 3

// mkdirMu is the process-wide mutex spec.md §5 calls for: it serialises the
// mkdir-of-parent step across every concurrent download in this process, so
// two sibling transfers racing to replace a regular file that occupies an
// ancestor directory's path (e.g. a stale non-Zarr file sitting where a
// Zarr asset's directory now needs to go) never interleave their fix-up.
var mkdirMu sync.Mutex

// EnsureParentDir makes sure every directory component of path's parent
// exists, removing a single regular file blocking a directory component if
// necessary. Concurrent downloaders should call this before creating their
// workspace or destination file.
func EnsureParentDir(path string) error {
	mkdirMu.Lock()
	defer mkdirMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err == nil {
		return nil
	}

	// Some ancestor component exists as a non-directory (a regular file or
	// symlink) occupying the spot a directory needs to go. Walk up from
	// dir looking for it, remove it, and retry.
	for cur := dir; ; {
		fi, statErr := os.Lstat(cur)
		if statErr == nil && !fi.IsDir() {
			if rmErr := os.Remove(cur); rmErr != nil {
				return fmt.Errorf("filedl: removing %s to make way for a directory: %w", cur, rmErr)
			}
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return os.MkdirAll(dir, 0o755)
}

// retryBackoff is a package variable so tests can replace it with a
// zero-delay stand-in.
var retryBackoff = func() time.Duration {
	return time.Duration(rand.Float64() * 5 * float64(time.Second))
}

// Downloader runs one BlobAsset to completion, emitting a progress.Event
// stream on the returned channel. The channel is closed after the terminal
// event.
type Downloader struct {
	Existing asset.ExistingPolicy
	// DigestCallback, when set, is invoked once after a successful,
	// non-resumed transfer with the digest algorithm actually verified and
	// the value locally computed for it (spec.md §4.4, grounded on
	// original_source/lincbrain/download.py's digest_callback). ZarrDownloader
	// uses this to feed real, locally-verified per-entry md5 values into the
	// aggregate Zarr checksum instead of trusting the remote's own digests.
	DigestCallback func(algorithm, value string)
}

// digestAccumulator is the streaming digest state FileDownloader verifies a
// transfer against: either the multipart-ETag accumulator (etag.Accumulator)
// for a declared "dandi-etag", or a plain running md5 for any other declared
// digest algorithm. original_source/lincbrain/download.py picks
// ETagHashlike for "dandi-etag" and falls back to the named hashlib
// function otherwise; this module only ever sees "dandi-etag" or "md5"
// declared (spec.md §3), so md5 is the only other case to support.
type digestAccumulator interface {
	io.Writer
	Finalize() (string, error)
}

type md5Accumulator struct{ h hash.Hash }

func newMD5Accumulator() *md5Accumulator {
	return &md5Accumulator{h: md5.New()} //nolint:gosec // dandi md5 digest, not used for security
}

func (m *md5Accumulator) Write(p []byte) (int, error) { return m.h.Write(p) }

func (m *md5Accumulator) Finalize() (string, error) {
	return hex.EncodeToString(m.h.Sum(nil)), nil
}

// pickDigest chooses which declared digest FileDownloader verifies against,
// in the same preference order as contentMatches: "dandi-etag" when the
// size is known (the multipart layout depends on it), otherwise a plain
// "md5" (the only other algorithm this module declares — Zarr entries carry
// nothing else). Returns an empty algo when neither is declared.
func pickDigest(blob asset.BlobAsset) (algo, declared string) {
	if v := blob.Digests["dandi-etag"]; v != "" && blob.HasSize {
		return "dandi-etag", v
	}
	if v := blob.Digests["md5"]; v != "" {
		return "md5", v
	}
	return "", ""
}

func newAccumulatorFor(algo string, size int64) digestAccumulator {
	switch algo {
	case "dandi-etag":
		acc, err := etag.New(size)
		if err != nil {
			return nil
		}
		return acc
	case "md5":
		return newMD5Accumulator()
	default:
		return nil
	}
}

// Download fetches blob into destPath, honoring d.Existing, and returns the
// progress stream. Missing parent directories of destPath are created
// (via EnsureParentDir) before the transfer starts.
func (d Downloader) Download(ctx context.Context, blob asset.BlobAsset, destPath string) <-chan progressx.Event {
	out := make(chan progressx.Event, 8)
	go func() {
		defer close(out)
		d.run(ctx, blob, destPath, out)
	}()
	return out
}

func (d Downloader) run(ctx context.Context, blob asset.BlobAsset, destPath string, out chan<- progressx.Event) {
	metrics.InFlightDownloads.Inc()
	defer metrics.InFlightDownloads.Dec()

	skip, reason, err := d.checkExisting(blob, destPath)
	if err != nil {
		metrics.FilesErrored.WithLabelValues("blob", "existing-check").Inc()
		out <- progressx.ErrorEvent(blob.Path, err.Error())
		return
	}
	if skip {
		metrics.FilesSkipped.WithLabelValues("blob").Inc()
		out <- progressx.SkippedEvent(blob.Path, reason)
		return
	}

	if blob.HasSize {
		out <- progressx.SizeEvent(blob.Path, uint64(blob.Size))
	}
	out <- progressx.StatusEvent(blob.Path, progressx.StatusDownloading)

	algo, declaredDigest := pickDigest(blob)
	if algo == "dandi-etag" {
		if ok, verr := etag.VerifyDeclaredPartCount(declaredDigest, blob.Size); verr == nil && !ok {
			metrics.FilesErrored.WithLabelValues("blob", "checksum").Inc()
			out <- progressx.ChecksumMismatchEvent(blob.Path,
				fmt.Sprintf("%v: declared etag %q part count disagrees with size %d", ErrChecksumMismatch, declaredDigest, blob.Size))
			return
		}
	}

	expected := map[string]string{}
	for alg, val := range blob.Digests {
		expected[alg] = val
	}

	if err := EnsureParentDir(destPath); err != nil {
		metrics.FilesErrored.WithLabelValues("blob", "mkdir").Inc()
		out <- progressx.ErrorEvent(blob.Path, err.Error())
		return
	}

	workspace, err := dldir.Open(destPath, expected)
	if err != nil {
		metrics.FilesErrored.WithLabelValues("blob", "lock").Inc()
		out <- progressx.ErrorEvent(blob.Path, err.Error())
		return
	}

	var written uint64
	if workspace.Offset() > 0 {
		written = uint64(workspace.Offset())
	}

	// spec.md §4.4 step 2 / original_source's "if size is not None and
	// downloaded == size: break": a prior run may have already written the
	// full file and crashed before checksum/publish. Issuing a Range
	// request starting at size against a real S3-style endpoint yields a
	// spurious 416, so skip the network call entirely in that case.
	alreadyComplete := blob.HasSize && written == uint64(blob.Size)

	// resuming mirrors original_source's `resuming = downloaded > 0`:
	// whenever the transfer doesn't start from byte zero, the streaming
	// digest computed this run would only cover the newly fetched bytes,
	// not the whole file, so it can never be compared against the
	// declared digest. Per spec.md §4.4 Post-transfer, such a run skips
	// verification outright and reports `{checksum: "-"}` instead of
	// replaying old bytes through the accumulator to fake a full digest.
	resuming := written > 0

	var acc digestAccumulator
	if !resuming && !alreadyComplete {
		acc = newAccumulatorFor(algo, blob.Size)
	}

	var lastErr error
	if !alreadyComplete {
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if attempt > 1 {
				metrics.RetriesTotal.Inc()
				select {
				case <-time.After(retryBackoff()):
				case <-ctx.Done():
					lastErr = ctx.Err()
					goto done
				}
			}

			var n uint64
			n, lastErr = d.transferOnce(ctx, blob, workspace, acc, written, out)
			written += n
			if lastErr == nil {
				break
			}
			if !isRetryable(lastErr) {
				break
			}
		}
	}

done:
	if lastErr != nil {
		_ = workspace.Abort()
		metrics.FilesErrored.WithLabelValues("blob", "transfer").Inc()
		out <- progressx.ErrorEvent(blob.Path, lastErr.Error())
		return
	}

	switch {
	case acc != nil:
		gotDigest, ferr := acc.Finalize()
		if ferr != nil {
			_ = workspace.Abort()
			metrics.FilesErrored.WithLabelValues("blob", "incomplete").Inc()
			out <- progressx.ErrorEvent(blob.Path, ferr.Error())
			return
		}
		if d.DigestCallback != nil {
			d.DigestCallback(algo, gotDigest)
		}
		if declaredDigest != "" && gotDigest != declaredDigest {
			_ = workspace.Abort()
			metrics.FilesErrored.WithLabelValues("blob", "checksum").Inc()
			out <- progressx.ChecksumMismatchEvent(blob.Path,
				fmt.Sprintf("%v: computed %s, declared %s", ErrChecksumMismatch, gotDigest, declaredDigest))
			return
		}
		out <- progressx.ChecksumEvent(blob.Path, progressx.ChecksumOK)
	default:
		out <- progressx.ChecksumEvent(blob.Path, progressx.ChecksumNone)
	}

	if err := workspace.Close(); err != nil {
		metrics.FilesErrored.WithLabelValues("blob", "publish").Inc()
		out <- progressx.ErrorEvent(blob.Path, err.Error())
		return
	}

	if blob.HasModified {
		out <- progressx.StatusEvent(blob.Path, progressx.StatusSettingMtime)
		_ = os.Chtimes(destPath, blob.Modified, blob.Modified)
	}

	metrics.BytesDownloaded.Add(float64(written))
	metrics.FilesDownloaded.WithLabelValues("blob").Inc()
	out <- progressx.DoneTerminalEvent(blob.Path)
}

// transferOnce performs a single attempt: open a byte-range stream starting
// at written, copy it through the digest accumulator into the workspace, and
// emit Done progress records as bytes land. Returns the number of bytes it
// appended this attempt.
func (d Downloader) transferOnce(ctx context.Context, blob asset.BlobAsset, workspace *dldir.Directory, acc digestAccumulator, alreadyWritten uint64, out chan<- progressx.Event) (uint64, error) {
	rc, err := blob.Open(ctx, int64(alreadyWritten))
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	buf := make([]byte, 256*1024)
	var n uint64
	for {
		rn, rerr := rc.Read(buf)
		if rn > 0 {
			chunk := buf[:rn]
			if err := workspace.Append(chunk); err != nil {
				return n, err
			}
			if acc != nil {
				if _, werr := acc.Write(chunk); werr != nil {
					return n, werr
				}
			}
			n += uint64(rn)
			total := alreadyWritten + n
			if blob.HasSize && blob.Size > 0 {
				out <- progressx.DoneEvent(blob.Path, total, float64(total)/float64(blob.Size)*100, true)
			} else {
				out <- progressx.DoneEvent(blob.Path, total, 0, false)
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return asset.RetryStatuses[se.Code] || se.Code == 400
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// StatusError wraps a non-2xx HTTP response observed while streaming a
// byte range, so retry classification can inspect the status code without
// filedl depending on net/http directly.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("filedl: unexpected status %d fetching %s", e.Code, e.URL)
}

// checkExisting applies the ExistingPolicy against any file already at
// destPath. It returns skip=true with a human-readable reason when the
// transfer should be skipped outright, or an error for ExistingError against
// an occupied path.
func (d Downloader) checkExisting(blob asset.BlobAsset, destPath string) (skip bool, reason string, err error) {
	fi, statErr := os.Lstat(destPath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return false, "", nil
		}
		return false, "", statErr
	}

	switch d.Existing {
	case asset.ExistingError:
		return false, "", fmt.Errorf("filedl: %s already exists", destPath)
	case asset.ExistingSkip:
		return true, "already exists", nil
	case asset.ExistingOverwrite:
		return false, "", nil
	case asset.ExistingRefresh:
		if isAnnexPlaceholder(fi) {
			return false, "", ErrAnnexRefresh
		}
		if !d.isStale(blob, destPath, fi) {
			return true, "up to date", nil
		}
		return false, "", nil
	case asset.ExistingOverwriteDifferent:
		if isAnnexPlaceholder(fi) {
			// The placeholder's symlink target names the annex key; if it
			// already encodes the expected digest, the content hasn't
			// changed even though we can't read it directly.
			if annexKeyMatches(destPath, blob.Digests) {
				return true, "matches annexed content", nil
			}
			return false, "", nil
		}
		same, err := contentMatches(blob, destPath)
		if err != nil {
			return false, "", err
		}
		if same {
			return true, "content unchanged", nil
		}
		return false, "", nil
	default:
		return false, "", fmt.Errorf("filedl: unknown existing policy %v", d.Existing)
	}
}

// isStale reports whether the local file's size or modification time
// disagree with the remote asset's declared values, meaning a redownload is
// warranted. Digests are not compared.
func (d Downloader) isStale(blob asset.BlobAsset, destPath string, fi os.FileInfo) bool {
	if blob.HasSize && fi.Size() != blob.Size {
		return true
	}
	if blob.HasModified && !fi.ModTime().Equal(blob.Modified) {
		return true
	}
	return false
}

// contentMatches implements the OVERWRITE_DIFFERENT digest comparison of
// spec.md §4.4: recompute the local file's dandi-etag (or, absent one, its
// md5) and compare against the asset's declared digest. A local file whose
// size doesn't even match the declared size is trivially different and
// skips the expensive recompute.
func contentMatches(blob asset.BlobAsset, destPath string) (bool, error) {
	if dandiETag := blob.Digests["dandi-etag"]; dandiETag != "" {
		fi, err := os.Stat(destPath)
		if err != nil {
			return false, err
		}
		if blob.HasSize && fi.Size() != blob.Size {
			return false, nil
		}
		got, err := localMultipartETag(destPath, fi.Size())
		if err != nil {
			return false, err
		}
		return got == dandiETag, nil
	}
	if md5v := blob.Digests["md5"]; md5v != "" {
		got, err := localMD5(destPath)
		if err != nil {
			return false, err
		}
		return got == md5v, nil
	}
	// Nothing to compare against: treat as different, per spec's ordered
	// fallback chain, and let the transfer redownload it.
	return false, nil
}

func localMultipartETag(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	acc, err := etag.New(size)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(acc, f); err != nil {
		return "", err
	}
	return acc.Finalize()
}

func localMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // dandi md5 digest, not used for security
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isAnnexPlaceholder(fi os.FileInfo) bool {
	return fi.Mode()&os.ModeSymlink != 0
}

func annexKeyMatches(destPath string, digests map[string]string) bool {
	target, err := os.Readlink(destPath)
	if err != nil {
		return false
	}
	for _, v := range digests {
		if v != "" && containsSubstring(target, v) {
			return true
		}
	}
	return false
}

func containsSubstring(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
