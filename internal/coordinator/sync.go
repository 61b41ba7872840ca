package coordinator

import (
	"os"
	"path/filepath"

	"github.com/dandi/ddl/internal/asset"
)

// syncCandidates walks destDir and returns the destDir-relative, slash-form
// paths of every local file not named by the enumerated remote asset set in
// seenPaths. Files under a listed asset directory (a Zarr) count as named,
// and dandiset.yaml at the root is never a candidate. Excluded dotfiles are
// always preserved, same as zarrdl's per-asset tree reconciliation.
func syncCandidates(destDir string, seenPaths []string) ([]string, error) {
	seen := make(map[string]bool, len(seenPaths))
	for _, p := range seenPaths {
		seen[filepath.FromSlash(p)] = true
	}

	var candidates []string
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
		if asset.IsExcludedDotfile(filepath.ToSlash(rel)) || rel == DandisetYAMLName {
			return nil
		}
		for dir := rel; dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
			if seen[dir] {
				return nil
			}
		}
		candidates = append(candidates, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// applySync removes destDir-relative candidates (as returned by
// syncCandidates) and then prunes any directory left empty by the removal,
// bottom-up, stopping at destDir itself: spec.md §6's sync mode is
// "recursive for directories", so an entirely orphaned asset directory
// (e.g. a whole stale Zarr) disappears along with its now-empty tree.
func applySync(destDir string, candidates []string) error {
	for _, rel := range candidates {
		if err := os.Remove(filepath.Join(destDir, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}

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
		entries, readErr := os.ReadDir(dirs[i])
		if readErr != nil {
			continue
		}
		if len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
	return nil
}

// deleteForSync is the non-interactive convenience path: compute candidates
// and remove them unconditionally. Kept for callers (and tests) that don't
// need the list/confirm step a real CLI wires up via Options.ConfirmSync.
func deleteForSync(destDir string, seenPaths []string) error {
	candidates, err := syncCandidates(destDir, seenPaths)
	if err != nil {
		return err
	}
	return applySync(destDir, candidates)
}
