// Package asset holds the data model shared by every download-engine
// component: the asset reference the archive client hands to the
// Coordinator, and the small closed enums (existence policy, download
// format, path-matching mode) that parameterise the engine.
//
// Grounded on original_source/lincbrain/download.py's DownloadExisting,
// DownloadFormat and PathType enums, rendered the way the teacher renders
// its own closed string enums (e.g. api/types_model.go's string-based
// response fields and cmd/cmd_pull_push.go's status strings).
package asset

import "time"

// Kind distinguishes a single-file blob asset from a many-file Zarr asset.
type Kind int

const (
	Blob Kind = iota
	Zarr
)

func (k Kind) String() string {
	switch k {
	case Blob:
		return "blob"
	case Zarr:
		return "zarr"
	default:
		return "unknown"
	}
}

// Ref is an immutable reference to one remote asset, as produced by the
// archive client's enumeration and consumed exactly once by the Coordinator.
type Ref struct {
	Kind Kind
	// Path is the forward-slash, dandiset-relative logical path.
	Path string
	// Size is the declared size in bytes, when known.
	Size int64
	// HasSize reports whether Size was actually declared by the archive.
	HasSize bool
	// Modified is the declared modification time, when known.
	Modified time.Time
	// HasModified reports whether Modified was actually declared.
	HasModified bool
	// Digests maps digest algorithm name ("dandi-etag", "sha256", "md5")
	// to its hex value. A BLOB ref must contain "dandi-etag"; a ZARR ref's
	// per-entry digest is always "md5", with the zarr-checksum carried
	// separately on ZarrAsset.
	Digests map[string]string
}

// ExistingPolicy controls what FileDownloader does when the destination
// path is already occupied.
type ExistingPolicy int

const (
	ExistingError ExistingPolicy = iota
	ExistingSkip
	ExistingOverwrite
	ExistingOverwriteDifferent
	ExistingRefresh
)

func (p ExistingPolicy) String() string {
	switch p {
	case ExistingError:
		return "error"
	case ExistingSkip:
		return "skip"
	case ExistingOverwrite:
		return "overwrite"
	case ExistingOverwriteDifferent:
		return "overwrite-different"
	case ExistingRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// ParseExistingPolicy parses the CLI/config string form of ExistingPolicy.
func ParseExistingPolicy(s string) (ExistingPolicy, bool) {
	switch s {
	case "error":
		return ExistingError, true
	case "skip":
		return ExistingSkip, true
	case "overwrite":
		return ExistingOverwrite, true
	case "overwrite-different":
		return ExistingOverwriteDifferent, true
	case "refresh":
		return ExistingRefresh, true
	default:
		return 0, false
	}
}

// Format selects how the Coordinator's progress stream is rendered upward:
// PYOUT converts per-asset failures into error records, DEBUG re-raises the
// first one to the caller.
type Format int

const (
	FormatPyout Format = iota
	FormatDebug
)

// PathType selects how asset paths supplied on the command line are
// matched against the archive's asset set.
type PathType int

const (
	PathExact PathType = iota
	PathGlob
)

// ExcludedDotfiles is the set of named Zarr path components that are always
// preserved during tree reconciliation, regardless of whether the remote
// entry set names them; IsExcludedDotfile matches them at any depth.
var ExcludedDotfiles = map[string]bool{
	".git":            true,
	".dandi":          true,
	".datalad":        true,
	".gitattributes":  true,
	".gitmodules":     true,
}

// IsExcludedDotfile reports whether a Zarr-relative path is excluded from
// reconciliation: either it's one of the named dotfiles at any depth, or any
// path component starting from the root begins with '.'.
func IsExcludedDotfile(relPath string) bool {
	start := 0
	for i := 0; i <= len(relPath); i++ {
		if i == len(relPath) || relPath[i] == '/' {
			comp := relPath[start:i]
			if comp != "" {
				if ExcludedDotfiles[comp] || (len(comp) > 0 && comp[0] == '.') {
					return true
				}
			}
			start = i + 1
		}
	}
	return false
}
