package filedl

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // test fixture only
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandi/ddl/internal/asset"
	"github.com/dandi/ddl/internal/progressx"
)

func init() {
	retryBackoff = func() time.Duration { return 0 }
}

type fakeReadCloser struct {
	io.Reader
}

func (f fakeReadCloser) Close() error { return nil }

func openerFor(content []byte) asset.ByteRangeOpener {
	return func(_ context.Context, offset int64) (asset.ReadCloser, error) {
		if offset > int64(len(content)) {
			offset = int64(len(content))
		}
		return fakeReadCloser{bytes.NewReader(content[offset:])}, nil
	}
}

func singlePartETag(content []byte) string {
	sum := md5.Sum(content) //nolint:gosec
	whole := md5.Sum(sum[:]) //nolint:gosec
	return hex.EncodeToString(whole[:]) + "-1"
}

func collect(ch <-chan progressx.Event) []progressx.Event {
	var events []progressx.Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func TestDownloadFreshFileSucceeds(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello dandi archive")
	dest := filepath.Join(dir, "sample.dat")

	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "sample.dat",
			Size: int64(len(content)), HasSize: true,
			Digests: map[string]string{"dandi-etag": singlePartETag(content)},
		},
		Open: openerFor(content),
	}

	d := Downloader{Existing: asset.ExistingError}
	events := collect(d.Download(context.Background(), blob, dest))

	last := events[len(events)-1]
	require.True(t, last.HasStatus)
	assert.Equal(t, progressx.StatusDone, last.Status)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadChecksumMismatchIsReported(t *testing.T) {
	dir := t.TempDir()
	content := []byte("payload")
	dest := filepath.Join(dir, "sample.dat")

	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "sample.dat",
			Size: int64(len(content)), HasSize: true,
			Digests: map[string]string{"dandi-etag": "00000000000000000000000000000000-1"},
		},
		Open: openerFor(content),
	}

	d := Downloader{Existing: asset.ExistingError}
	events := collect(d.Download(context.Background(), blob, dest))

	last := events[len(events)-1]
	require.True(t, last.HasStatus)
	assert.Equal(t, progressx.StatusError, last.Status)
	assert.True(t, last.HasChecksum)
	assert.Equal(t, progressx.ChecksumDiffers, last.Checksum)

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "destination must not be published on checksum mismatch")
}

func TestExistingErrorPolicyRejectsOccupiedPath(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sample.dat")
	require.NoError(t, os.WriteFile(dest, []byte("already here"), 0o644))

	blob := asset.BlobAsset{
		Ref:  asset.Ref{Kind: asset.Blob, Path: "sample.dat"},
		Open: openerFor([]byte("new content")),
	}

	d := Downloader{Existing: asset.ExistingError}
	events := collect(d.Download(context.Background(), blob, dest))

	last := events[len(events)-1]
	assert.Equal(t, progressx.StatusError, last.Status)
}

func TestExistingSkipPolicyLeavesFileUntouched(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sample.dat")
	require.NoError(t, os.WriteFile(dest, []byte("already here"), 0o644))

	blob := asset.BlobAsset{
		Ref:  asset.Ref{Kind: asset.Blob, Path: "sample.dat"},
		Open: openerFor([]byte("new content")),
	}

	d := Downloader{Existing: asset.ExistingSkip}
	events := collect(d.Download(context.Background(), blob, dest))

	require.Len(t, events, 1)
	assert.Equal(t, progressx.StatusSkipped, events[0].Status)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("already here"), got)
}

func TestExistingOverwritePolicyReplacesFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sample.dat")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))

	content := []byte("fresh content")
	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "sample.dat",
			Size: int64(len(content)), HasSize: true,
		},
		Open: openerFor(content),
	}

	d := Downloader{Existing: asset.ExistingOverwrite}
	events := collect(d.Download(context.Background(), blob, dest))

	last := events[len(events)-1]
	assert.Equal(t, progressx.StatusDone, last.Status)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestExistingRefreshSkipsWhenUpToDate(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sample.dat")
	content := []byte("unchanged")
	require.NoError(t, os.WriteFile(dest, content, 0o644))

	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "sample.dat",
			Size: int64(len(content)), HasSize: true,
		},
		Open: openerFor([]byte("should not be fetched")),
	}

	d := Downloader{Existing: asset.ExistingRefresh}
	events := collect(d.Download(context.Background(), blob, dest))

	require.Len(t, events, 1)
	assert.Equal(t, progressx.StatusSkipped, events[0].Status)
}

func TestExistingOverwriteDifferentSkipsWhenDigestMatches(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sample.dat")
	content := []byte("identical payload")
	require.NoError(t, os.WriteFile(dest, content, 0o644))

	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "sample.dat",
			Size: int64(len(content)), HasSize: true,
			Digests: map[string]string{"dandi-etag": singlePartETag(content)},
		},
		Open: openerFor([]byte("should not be fetched")),
	}

	d := Downloader{Existing: asset.ExistingOverwriteDifferent}
	events := collect(d.Download(context.Background(), blob, dest))

	require.Len(t, events, 1)
	assert.Equal(t, progressx.StatusSkipped, events[0].Status)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got, "local file must be untouched on a digest match")
}

func TestExistingOverwriteDifferentRedownloadsWhenDigestDiffers(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sample.dat")
	require.NoError(t, os.WriteFile(dest, []byte("stale payload, same length!"), 0o644))

	content := []byte("fresh payload, same length!")
	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "sample.dat",
			Size: int64(len(content)), HasSize: true,
			Digests: map[string]string{"dandi-etag": singlePartETag(content)},
		},
		Open: openerFor(content),
	}

	d := Downloader{Existing: asset.ExistingOverwriteDifferent}
	events := collect(d.Download(context.Background(), blob, dest))

	last := events[len(events)-1]
	assert.Equal(t, progressx.StatusDone, last.Status)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got, "differing digest must trigger a redownload")
}

func TestExistingOverwriteDifferentFallsBackToMD5(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sample.dat")
	content := []byte("no etag here")
	require.NoError(t, os.WriteFile(dest, content, 0o644))

	sum := md5.Sum(content) //nolint:gosec
	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "sample.dat",
			Digests: map[string]string{"md5": hex.EncodeToString(sum[:])},
		},
		Open: openerFor([]byte("should not be fetched")),
	}

	d := Downloader{Existing: asset.ExistingOverwriteDifferent}
	events := collect(d.Download(context.Background(), blob, dest))

	require.Len(t, events, 1)
	assert.Equal(t, progressx.StatusSkipped, events[0].Status)
}

func TestDownloadVerifiesPlainMD5Digest(t *testing.T) {
	dir := t.TempDir()
	content := []byte("zarr chunk payload")
	dest := filepath.Join(dir, "chunk.dat")

	sum := md5.Sum(content) //nolint:gosec
	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "chunk.dat",
			Size: int64(len(content)), HasSize: true,
			Digests: map[string]string{"md5": hex.EncodeToString(sum[:])},
		},
		Open: openerFor(content),
	}

	d := Downloader{Existing: asset.ExistingError}
	events := collect(d.Download(context.Background(), blob, dest))

	var sawChecksumOK bool
	for _, e := range events {
		if e.HasChecksum && e.Checksum == progressx.ChecksumOK {
			sawChecksumOK = true
		}
	}
	assert.True(t, sawChecksumOK, "a declared md5 digest must be verified, not silently accepted")

	last := events[len(events)-1]
	assert.Equal(t, progressx.StatusDone, last.Status)
}

func TestDownloadPlainMD5MismatchIsReported(t *testing.T) {
	dir := t.TempDir()
	content := []byte("zarr chunk payload")
	dest := filepath.Join(dir, "chunk.dat")

	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "chunk.dat",
			Size: int64(len(content)), HasSize: true,
			Digests: map[string]string{"md5": "00000000000000000000000000000000"},
		},
		Open: openerFor(content),
	}

	d := Downloader{Existing: asset.ExistingError}
	events := collect(d.Download(context.Background(), blob, dest))

	last := events[len(events)-1]
	require.True(t, last.HasStatus)
	assert.Equal(t, progressx.StatusError, last.Status)
	assert.True(t, last.HasChecksum)
	assert.Equal(t, progressx.ChecksumDiffers, last.Checksum)

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "destination must not be published on checksum mismatch")
}

func TestDownloadInvokesDigestCallbackOnFreshTransfer(t *testing.T) {
	dir := t.TempDir()
	content := []byte("zarr chunk payload")
	dest := filepath.Join(dir, "chunk.dat")

	sum := md5.Sum(content) //nolint:gosec
	want := hex.EncodeToString(sum[:])

	var gotAlgo, gotValue string
	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "chunk.dat",
			Size: int64(len(content)), HasSize: true,
			Digests: map[string]string{"md5": want},
		},
		Open: openerFor(content),
	}

	d := Downloader{
		Existing: asset.ExistingError,
		DigestCallback: func(algo, value string) {
			gotAlgo, gotValue = algo, value
		},
	}
	collect(d.Download(context.Background(), blob, dest))

	assert.Equal(t, "md5", gotAlgo)
	assert.Equal(t, want, gotValue)
}

func TestResumeSkipsChecksumVerification(t *testing.T) {
	dir := t.TempDir()
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	dest := filepath.Join(dir, "sample.dat")

	workspace := dest + ".dandidownload"
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "file"), content[:10], 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "checksum"),
		[]byte(fmt.Sprintf(`{"dandi-etag":%q}`, singlePartETag(content))), 0o644))

	callbackCalled := false
	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "sample.dat",
			Size: int64(len(content)), HasSize: true,
			Digests: map[string]string{"dandi-etag": singlePartETag(content)},
		},
		Open: openerFor(content),
	}

	d := Downloader{
		Existing:       asset.ExistingError,
		DigestCallback: func(string, string) { callbackCalled = true },
	}
	events := collect(d.Download(context.Background(), blob, dest))

	var sawChecksumNone bool
	for _, e := range events {
		if e.HasChecksum {
			assert.Equal(t, progressx.ChecksumNone, e.Checksum, "a resumed transfer must not report a verified checksum")
			sawChecksumNone = true
		}
	}
	assert.True(t, sawChecksumNone, "a resumed transfer must still emit a checksum record")
	assert.False(t, callbackCalled, "digest_callback must not fire for a digest that only covers the resumed tail")

	last := events[len(events)-1]
	assert.Equal(t, progressx.StatusDone, last.Status, "resume should complete cleanly")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAlreadyCompletePartialSkipsNetworkCall(t *testing.T) {
	dir := t.TempDir()
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	dest := filepath.Join(dir, "sample.dat")

	workspace := dest + ".dandidownload"
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "file"), content, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "checksum"),
		[]byte(fmt.Sprintf(`{"dandi-etag":%q}`, singlePartETag(content))), 0o644))

	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "sample.dat",
			Size: int64(len(content)), HasSize: true,
			Digests: map[string]string{"dandi-etag": singlePartETag(content)},
		},
		Open: func(context.Context, int64) (asset.ReadCloser, error) {
			t.Fatal("open must not be called when the partial already matches the declared size")
			return nil, nil
		},
	}

	d := Downloader{Existing: asset.ExistingError}
	events := collect(d.Download(context.Background(), blob, dest))

	last := events[len(events)-1]
	assert.Equal(t, progressx.StatusDone, last.Status)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestResumePicksUpAtExistingOffset(t *testing.T) {
	dir := t.TempDir()
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	dest := filepath.Join(dir, "sample.dat")

	workspace := dest + ".dandidownload"
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "file"), content[:10], 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "checksum"),
		[]byte(fmt.Sprintf(`{"dandi-etag":%q}`, singlePartETag(content))), 0o644))

	blob := asset.BlobAsset{
		Ref: asset.Ref{
			Kind: asset.Blob, Path: "sample.dat",
			Size: int64(len(content)), HasSize: true,
			Digests: map[string]string{"dandi-etag": singlePartETag(content)},
		},
		Open: openerFor(content),
	}

	d := Downloader{Existing: asset.ExistingError}
	events := collect(d.Download(context.Background(), blob, dest))

	last := events[len(events)-1]
	require.Equal(t, progressx.StatusDone, last.Status, "resume should complete cleanly")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
