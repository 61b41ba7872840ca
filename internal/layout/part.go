// Package layout computes the S3-style multipart layout for a blob of a
// given size: how many parts it splits into, and the size of each.
//
// Grounded on original_source/dandi/core/digests/dandietag.py
// (DANDIEtag.gen_part_sizes), with the boundary constants also cross-checked
// against the teacher's own chunking knobs in
// _examples/7blacky7-ollama-reverse/server/download.go
// (numDownloadParts/minDownloadPartSize/maxDownloadPartSize).
package layout

import (
	"errors"
	"fmt"
)

const (
	baseSizeBytes int64 = 64 << 20     // 64 MiB
	minSizeBytes  int64 = 5 << 20      // 5 MiB
	maxSizeBytes  int64 = 5 << 30      // 5 GiB
	maxTotalBytes int64 = 5 << 40      // 5 TiB
	maxParts            = 10_000
)

// ErrSizeTooLarge is returned by Plan when size exceeds the 5 TiB S3 object
// size limit.
var ErrSizeTooLarge = errors.New("layout: size exceeds the 5 TiB S3 object size limit")

// Part describes one contiguous byte range of a multipart upload/download.
// Number is 1-based, matching S3 part numbering.
type Part struct {
	Number int
	Offset uint64
	Size   uint64
}

// PartLayout is the deterministic outcome of Plan for a given size.
type PartLayout struct {
	PartCount       int
	UniformPartSize uint64
	FinalPartSize   uint64
	TotalSize       uint64
}

// Plan computes the multipart layout for a blob of the given size, following
// the same base/min/max clamping rules as the S3 multipart upload API.
func Plan(size int64) (PartLayout, error) {
	if size < 0 {
		return PartLayout{}, fmt.Errorf("layout: negative size %d", size)
	}
	if size > maxTotalBytes {
		return PartLayout{}, fmt.Errorf("%w: %d bytes", ErrSizeTooLarge, size)
	}
	if size == 0 {
		return PartLayout{TotalSize: 0}, nil
	}

	partSize := baseSizeBytes
	if ceilDiv(size, partSize) >= maxParts {
		partSize = ceilDiv(size, maxParts)
	}
	if partSize < minSizeBytes {
		partSize = minSizeBytes
	}
	if partSize > maxSizeBytes {
		partSize = maxSizeBytes
	}

	uniformCount := size / partSize
	remainder := size % partSize

	partCount := int(uniformCount)
	finalSize := partSize
	if remainder > 0 {
		partCount++
		finalSize = remainder
	}

	// When there are no full-size parts ahead of the remainder (the file is
	// smaller than one part), the single part's actual size is the
	// remainder itself, not the theoretical clamped part size: the
	// "uniform" and "final" sizes both describe that one part. See the
	// size=1 and size=50MiB rows.
	uniformSize := partSize
	if uniformCount == 0 {
		uniformSize = finalSize
	}

	return PartLayout{
		PartCount:       partCount,
		UniformPartSize: uint64(uniformSize),
		FinalPartSize:   uint64(finalSize),
		TotalSize:       uint64(size),
	}, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Parts materialises the full, ordered Part sequence for a PartLayout.
func (pl PartLayout) Parts() []Part {
	if pl.PartCount == 0 {
		return nil
	}
	parts := make([]Part, pl.PartCount)
	var offset uint64
	for i := 0; i < pl.PartCount; i++ {
		size := pl.UniformPartSize
		if i == pl.PartCount-1 {
			size = pl.FinalPartSize
		}
		parts[i] = Part{Number: i + 1, Offset: offset, Size: size}
		offset += size
	}
	return parts
}

// PartForOffset returns the part covering the given byte offset, or false if
// offset is out of range.
func (pl PartLayout) PartForOffset(offset uint64) (Part, bool) {
	for _, p := range pl.Parts() {
		if offset >= p.Offset && offset < p.Offset+p.Size {
			return p, true
		}
	}
	return Part{}, false
}
