// Package zarrsum computes the aggregate Zarr checksum described in
// spec.md's GLOSSARY: a digest over the tree of entries, each contributing
// its md5 and size, formatted "hex-digest-file_count--total_bytes".
//
// Grounded on original_source/lincbrain/download.py's use of
// support.digests.get_zarr_checksum (referenced but not included in the
// retrieved source; reconstructed here from the GLOSSARY's format spec).
// Entries are sorted by path and the digest is a single MD5 over one
// "path md5 size" line per entry: a flat fold over the file list, not a
// per-directory tree of digests.
package zarrsum

import (
	"crypto/md5" //nolint:gosec // required for dandi-archive zarr-checksum compatibility
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Entry is one file's contribution to the aggregate checksum: its
// zarr-relative path, its md5 digest (hex), and its size in bytes.
type Entry struct {
	Path string
	MD5  string
	Size int64
}

// Aggregate computes the Zarr checksum over a set of entries. Entries are
// sorted by path first so the result is independent of enumeration order.
func Aggregate(entries []Entry) string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := md5.New() //nolint:gosec
	var total int64
	for _, e := range sorted {
		fmt.Fprintf(h, "%s %s %d\n", e.Path, e.MD5, e.Size)
		total += e.Size
	}
	digest := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("%s-%d--%d", digest, len(sorted), total)
}

// ParseFileCountAndSize extracts the file_count and total_bytes suffix from
// a formatted Zarr checksum, for diagnostics when a mismatch is reported.
func ParseFileCountAndSize(checksum string) (fileCount int, totalBytes int64, ok bool) {
	parts := strings.SplitN(checksum, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	tail := strings.SplitN(parts[1], "--", 2)
	if len(tail) != 2 {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(tail[0], "%d", &fileCount); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(tail[1], "%d", &totalBytes); err != nil {
		return 0, 0, false
	}
	return fileCount, totalBytes, true
}
