package coordinator

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/dandi/ddl/internal/asset"
)

// DandisetYAMLName is the metadata file a dandiset download writes at its
// root, outside the regular asset enumeration.
const DandisetYAMLName = "dandiset.yaml"

// ErrAnnexRefresh is returned by PopulateDandisetYAML when asked to REFRESH
// a destDir that has a .git/annex sibling: spec.md §6 makes this fatal the
// same way FileDownloader refuses to refresh an annexed blob.
var ErrAnnexRefresh = errors.New("coordinator: cannot refresh dandiset.yaml inside a git-annex working tree")

func hasAnnexSibling(destDir string) bool {
	fi, err := os.Stat(filepath.Join(destDir, ".git", "annex"))
	return err == nil && fi.IsDir()
}

// PopulateDandisetYAML writes contents to destDir/dandiset.yaml, honoring
// the same existence policy as any other asset. Grounded on
// original_source/lincbrain/download.py's handling of the dandiset metadata
// file, which is downloaded once per run outside the per-asset enumeration
// loop but still respects --existing.
func PopulateDandisetYAML(destDir string, contents []byte, existing asset.ExistingPolicy) (wrote bool, err error) {
	path := filepath.Join(destDir, DandisetYAMLName)

	if _, statErr := os.Stat(path); statErr == nil {
		switch existing {
		case asset.ExistingError:
			return false, os.ErrExist
		case asset.ExistingSkip, asset.ExistingRefresh:
			if existing == asset.ExistingRefresh && hasAnnexSibling(destDir) {
				return false, ErrAnnexRefresh
			}
			existingContents, readErr := os.ReadFile(path)
			if readErr == nil && string(existingContents) == string(contents) {
				return false, nil
			}
			if existing == asset.ExistingSkip {
				return false, nil
			}
		case asset.ExistingOverwriteDifferent:
			existingContents, readErr := os.ReadFile(path)
			if readErr == nil && string(existingContents) == string(contents) {
				return false, nil
			}
		case asset.ExistingOverwrite:
			// fall through to write
		}
	} else if !os.IsNotExist(statErr) {
		return false, statErr
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
