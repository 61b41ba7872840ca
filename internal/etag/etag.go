// Package etag implements the S3-style multipart ETag: an ordered
// accumulator of per-part MD5 digests that, once every part has been
// submitted, concatenates them in part-number order and MD5-hashes the
// result.
//
// Grounded on original_source/dandi/core/digests/dandietag.py (DANDIEtag),
// carrying forward its streaming convenience mode but fixing the two bugs
// flagged in spec.md §9: the empty-parts early-exit compared a length
// against a tuple and was never true, and an ETag whose declared part count
// disagreed with the locally computed one was accepted silently. Here,
// Finalize always uses the computed part count, and VerifyDeclaredPartCount
// lets the caller report a disagreeing declared count as a checksum
// mismatch.
package etag

import (
	"crypto/md5" //nolint:gosec // required for S3 multipart ETag compatibility
	"encoding/hex"
	"fmt"

	"github.com/dandi/ddl/internal/layout"
)

// Regex is the format of a valid multipart ETag: 32 hex chars, a dash, and
// the decimal part count (1 to 4 digits).
const Regex = `[0-9a-f]{32}-\d{1,4}`

// MaxLength is the longest a valid ETag string can be.
const MaxLength = 37

// ErrIncomplete is returned by Finalize before every part has been submitted.
var ErrIncomplete = fmt.Errorf("etag: not all parts have been submitted")

// ErrDuplicatePart is returned by Submit when a part number is submitted twice.
var ErrDuplicatePart = fmt.Errorf("etag: part already submitted")

// ErrUnknownPart is returned by Submit for a part number outside the layout.
var ErrUnknownPart = fmt.Errorf("etag: unknown part number")

// Accumulator collects per-part MD5 digests for a blob of a known size and
// produces its multipart ETag.
type Accumulator struct {
	layout  layout.PartLayout
	digests map[int][16]byte

	// streaming mode state
	streamBuf  []byte
	streamPart int
}

// New creates an Accumulator for a blob of the given size.
func New(size int64) (*Accumulator, error) {
	pl, err := layout.Plan(size)
	if err != nil {
		return nil, err
	}
	return &Accumulator{
		layout:     pl,
		digests:    make(map[int][16]byte, pl.PartCount),
		streamPart: 1,
	}, nil
}

// Parts returns the ordered Part sequence for this blob's layout.
func (a *Accumulator) Parts() []layout.Part {
	return a.layout.Parts()
}

// NextPart returns the lowest-numbered part that has not yet been submitted,
// or false if the accumulator is already complete.
func (a *Accumulator) NextPart() (layout.Part, bool) {
	for _, p := range a.layout.Parts() {
		if _, ok := a.digests[p.Number]; !ok {
			return p, true
		}
	}
	return layout.Part{}, false
}

// Submit records the MD5 digest for the given 1-based part number. Digests
// may be submitted in any order; submitting the same part twice is an error.
func (a *Accumulator) Submit(partNumber int, md5Digest [16]byte) error {
	if partNumber < 1 || partNumber > a.layout.PartCount {
		return fmt.Errorf("%w: %d (layout has %d parts)", ErrUnknownPart, partNumber, a.layout.PartCount)
	}
	if _, ok := a.digests[partNumber]; ok {
		return fmt.Errorf("%w: part %d", ErrDuplicatePart, partNumber)
	}
	a.digests[partNumber] = md5Digest
	return nil
}

// Write feeds raw bytes in file order, internally slicing them into parts by
// the planned sizes and computing each part's MD5 as enough bytes accumulate.
// It implements io.Writer so it can sit in front of a download stream.
func (a *Accumulator) Write(p []byte) (int, error) {
	total := len(p)
	parts := a.layout.Parts()
	for len(p) > 0 {
		if a.streamPart > len(parts) {
			return total, fmt.Errorf("etag: stream produced more bytes than the %d-part layout expects", len(parts))
		}
		cur := parts[a.streamPart-1]
		need := int(cur.Size) - len(a.streamBuf)
		if need > len(p) {
			a.streamBuf = append(a.streamBuf, p...)
			return total, nil
		}
		a.streamBuf = append(a.streamBuf, p[:need]...)
		p = p[need:]
		sum := md5.Sum(a.streamBuf) //nolint:gosec
		if err := a.Submit(cur.Number, sum); err != nil {
			return total, err
		}
		a.streamBuf = a.streamBuf[:0]
		a.streamPart++
	}
	return total, nil
}

// IsComplete reports whether every part in the layout has a submitted digest.
// This checks len(digests) == part_count directly, unlike the Python
// original's `len(self._md5_digests) == self.part_sizes`, which compared an
// int to a tuple and was therefore always false.
func (a *Accumulator) IsComplete() bool {
	return len(a.digests) == a.layout.PartCount
}

// Finalize concatenates the part digests in part-number order, MD5-hashes
// the result, and formats the multipart ETag string. It fails with
// ErrIncomplete unless every planned part has been submitted.
func (a *Accumulator) Finalize() (string, error) {
	if !a.IsComplete() {
		return "", fmt.Errorf("%w: have %d of %d parts", ErrIncomplete, len(a.digests), a.layout.PartCount)
	}
	concat := make([]byte, 0, len(a.digests)*16)
	for n := 1; n <= a.layout.PartCount; n++ {
		d := a.digests[n]
		concat = append(concat, d[:]...)
	}
	sum := md5.Sum(concat) //nolint:gosec
	return fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:]), a.layout.PartCount), nil
}

// VerifyDeclaredPartCount reports whether a declared ETag's trailing part
// count matches the part count computed from the declared size. Per
// spec.md §9, a mismatch must be surfaced by the caller as a checksum
// failure rather than silently accepted.
func VerifyDeclaredPartCount(declaredETag string, size int64) (bool, error) {
	pl, err := layout.Plan(size)
	if err != nil {
		return false, err
	}
	var count int
	for i := len(declaredETag) - 1; i >= 0; i-- {
		if declaredETag[i] == '-' {
			if _, err := fmt.Sscanf(declaredETag[i+1:], "%d", &count); err != nil {
				return false, fmt.Errorf("etag: malformed multipart etag %q: %w", declaredETag, err)
			}
			return count == pl.PartCount, nil
		}
	}
	return false, fmt.Errorf("etag: malformed multipart etag %q: no part count suffix", declaredETag)
}
