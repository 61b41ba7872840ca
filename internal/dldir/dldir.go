// Package dldir implements the per-file scoped download workspace
// (DownloadDirectory, spec.md §4.3): a "<target>.dandidownload/" directory
// holding the in-progress partial file, a JSON fingerprint of the expected
// digests, and a cross-process lock, so a partial download can be resumed
// safely across process restarts.
//
// Grounded on original_source/lincbrain/download.py's DownloadDirectory
// (fasteners.InterProcessLock, the checksum-manifest resume/restart
// decision, __enter__/__exit__). The teacher's own
// server/download.go Prepare/readPart/writePart recovers partial state from
// glob'd "-partial-N" sidecar files but has no real inter-process exclusion;
// here the lock is a genuine cross-process lock via
// github.com/gofrs/flock (adopted from dolthub-dolt's dependency graph,
// see DESIGN.md), giving the LockBusy failure spec.md §4.3/§7 requires.
package dldir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLockBusy is returned by Open when another process already holds the
// workspace lock.
var ErrLockBusy = errors.New("dldir: workspace is locked by another process")

const (
	partialFileName  = "file"
	checksumFileName = "checksum"
	lockFileName     = "lock"
)

// Directory is an acquired DownloadDirectory scope. Create one with Open and
// always call Close (or Abort) exactly once.
type Directory struct {
	finalPath string
	dirPath   string
	file      *os.File
	lock      *flock.Flock
	offset    int64
	closed    bool
}

// workspacePath returns the sidecar directory path for a final path, e.g.
// "sub-01/sample.nwb" -> "sub-01/sample.nwb.dandidownload".
func workspacePath(finalPath string) string {
	dir, base := filepath.Split(finalPath)
	return filepath.Join(dir, base+".dandidownload")
}

// Open acquires the scoped workspace for finalPath. expectedDigests is the
// caller's current expected-digest map (algorithm -> hex value); it is
// always (re-)written to the checksum manifest on entry. If a prior partial
// exists and its stored manifest shares at least one matching
// (algorithm, value) pair with expectedDigests, the partial is reused and
// writes resume at the end of the existing file; otherwise any prior
// partial is discarded and a fresh one is started.
func Open(finalPath string, expectedDigests map[string]string) (*Directory, error) {
	dirPath := workspacePath(finalPath)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return nil, fmt.Errorf("dldir: creating workspace: %w", err)
	}

	lk := flock.New(filepath.Join(dirPath, lockFileName))
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("dldir: acquiring lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockBusy, finalPath)
	}

	writeFilePath := filepath.Join(dirPath, partialFileName)
	checksumPath := filepath.Join(dirPath, checksumFileName)

	stored := loadManifest(checksumPath)
	resume := sharesMatchingDigest(expectedDigests, stored)

	var f *os.File
	if resume {
		f, err = os.OpenFile(writeFilePath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	} else {
		_ = os.Remove(writeFilePath)
		f, err = os.OpenFile(writeFilePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	}
	if err != nil {
		_ = lk.Unlock()
		return nil, fmt.Errorf("dldir: opening partial file: %w", err)
	}

	if err := writeManifest(checksumPath, expectedDigests); err != nil {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, err
	}

	offset, err := f.Seek(0, os.SEEK_CUR)
	if err != nil {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, err
	}
	// os.O_APPEND positions writes at EOF regardless of the handle's seek
	// offset; report the true resume point via Stat instead.
	if resume {
		fi, statErr := f.Stat()
		if statErr != nil {
			_ = f.Close()
			_ = lk.Unlock()
			return nil, statErr
		}
		offset = fi.Size()
	}

	return &Directory{
		finalPath: finalPath,
		dirPath:   dirPath,
		file:      f,
		lock:      lk,
		offset:    offset,
	}, nil
}

// Offset reports how many bytes of the partial file already exist; the
// caller should request bytes starting here.
func (d *Directory) Offset() int64 { return d.offset }

// Append writes a chunk to the partial file in order.
func (d *Directory) Append(p []byte) error {
	_, err := d.file.Write(p)
	return err
}

// Close publishes the partial file onto the final path atomically (removing
// a pre-existing directory at that path first, if necessary) and tears down
// the workspace. Call this only after a fully successful transfer.
func (d *Directory) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	defer d.lock.Unlock() //nolint:errcheck

	if err := d.file.Close(); err != nil {
		return fmt.Errorf("dldir: closing partial file: %w", err)
	}

	writeFilePath := filepath.Join(d.dirPath, partialFileName)
	if fi, err := os.Lstat(d.finalPath); err == nil && fi.IsDir() {
		if err := os.RemoveAll(d.finalPath); err != nil {
			return fmt.Errorf("dldir: removing existing directory at %s: %w", d.finalPath, err)
		}
	}
	if err := os.Rename(writeFilePath, d.finalPath); err != nil {
		return fmt.Errorf("dldir: publishing %s: %w", d.finalPath, err)
	}
	return os.RemoveAll(d.dirPath)
}

// Abort releases the lock and leaves the workspace intact for a future
// resume attempt. Call this on any failed transfer.
func (d *Directory) Abort() error {
	if d.closed {
		return nil
	}
	d.closed = true
	_ = d.file.Close()
	return d.lock.Unlock()
}

func loadManifest(path string) map[string]string {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func writeManifest(path string, digests map[string]string) error {
	b, err := json.Marshal(digests)
	if err != nil {
		return fmt.Errorf("dldir: marshaling checksum manifest: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("dldir: writing checksum manifest: %w", err)
	}
	return nil
}

// sharesMatchingDigest implements the resume-decision rule from spec.md
// §4.3: resume iff the stored manifest shares at least one (algorithm,
// value) pair with the expected digest map.
func sharesMatchingDigest(expected, stored map[string]string) bool {
	if len(expected) == 0 || len(stored) == 0 {
		return false
	}
	for alg, val := range expected {
		if sv, ok := stored[alg]; ok && sv == val {
			return true
		}
	}
	return false
}
