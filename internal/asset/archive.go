package asset

import (
	"context"
	"time"
)

// ByteRangeOpener returns an iterator-like reader of bytes starting at the
// given offset, performing an HTTP GET with Range: bytes=offset- under the
// hood. Exhausting or closing the returned ReadCloser releases the
// underlying connection.
type ByteRangeOpener func(ctx context.Context, offset int64) (ReadCloser, error)

// ReadCloser is the minimal surface FileDownloader needs from a byte stream;
// satisfied by io.ReadCloser.
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// BlobAsset is a single-file asset together with the archive-provided byte
// stream factory for it. It is the concrete shape behind a Ref of Kind Blob.
type BlobAsset struct {
	Ref
	Open ByteRangeOpener
}

// ZarrEntry is one chunk/metadata file inside a Zarr asset.
type ZarrEntry struct {
	// Path is relative to the Zarr asset's root, forward-slash separated.
	Path     string
	Size     int64
	Modified time.Time
	MD5      string
	Open     ByteRangeOpener
}

// ZarrAsset is a many-file, directory-shaped asset together with its
// aggregate checksum and an enumerator over its entries.
type ZarrAsset struct {
	Ref
	// ZarrChecksumValue is the remote's aggregate checksum, in the format
	// described in the GLOSSARY ("hex-digest-file_count--total_bytes").
	ZarrChecksumValue string
	IterEntries       func(ctx context.Context) (<-chan ZarrEntry, <-chan error)
}

// ArchiveClient is the external collaborator §6 describes: asset
// enumeration for a URL, plus per-asset byte-stream factories. The download
// engine consumes only this interface; URL parsing, credential handling,
// and the metadata-validation pipeline all live on the other side of it.
type ArchiveClient interface {
	// IterAssets enumerates the asset references in scope for a parsed
	// URL. Implementations should stream results as they are discovered
	// so the Coordinator's enumeration-while-downloading behaviour (§5,
	// §9) is possible.
	IterAssets(ctx context.Context) (<-chan Ref, <-chan error)

	// OpenBlob returns the byte-stream factory for a BLOB-kind Ref
	// previously yielded by IterAssets.
	OpenBlob(ctx context.Context, ref Ref) (BlobAsset, error)

	// OpenZarr returns the Zarr-specific view (aggregate checksum +
	// entry enumerator) for a ZARR-kind Ref previously yielded by
	// IterAssets.
	OpenZarr(ctx context.Context, ref Ref) (ZarrAsset, error)
}

// RetryStatuses is the HTTP status set classified as transient per §6/§7.
var RetryStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}
