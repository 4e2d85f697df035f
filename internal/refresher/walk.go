package refresher

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"gitlab.com/tozd/go/errors"

	"github.com/nconklindev/linkrefresh/internal/types"
)

// matcher decides which files under root are candidates.
type matcher struct {
	root    string
	exclude []string
}

func newMatcher(root string, exclude []string) (matcher, error) {
	for _, pattern := range exclude {
		if !doublestar.ValidatePattern(pattern) {
			return matcher{}, errors.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	return matcher{root: root, exclude: exclude}, nil
}

func (m matcher) isCandidate(path string) bool {
	if !types.IsWorkbook(filepath.Base(path)) {
		return false
	}
	if len(m.exclude) == 0 {
		return true
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return true
	}
	return !m.excluded(filepath.ToSlash(rel))
}

func (m matcher) excluded(rel string) bool {
	for _, pattern := range m.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// walkFiles calls fn for every non-directory entry below dir, top-down: the
// files of a directory first, then each subdirectory, each level in name
// order. Subdirectories that cannot be read are reported to onErr and
// skipped; an unreadable dir itself is returned.
func walkFiles(dir string, fn func(path string), onErr func(path string, err error)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Errorf("reading %s: %w", dir, err)
	}

	var subdirs []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			subdirs = append(subdirs, path)
			continue
		}
		fn(path)
	}

	for _, sub := range subdirs {
		if err := walkFiles(sub, fn, onErr); err != nil && onErr != nil {
			onErr(sub, err)
		}
	}
	return nil
}

// collectCandidates is the single scan of a run: the returned paths fix both
// the visit order and the progress denominator.
func collectCandidates(root string, m matcher, onErr func(path string, err error)) ([]string, error) {
	var paths []string
	err := walkFiles(root, func(path string) {
		if m.isCandidate(path) {
			paths = append(paths, path)
		}
	}, onErr)
	return paths, err
}

// Candidates lists the candidate files under root in the order a run visits
// them.
func Candidates(root string, exclude []string) ([]string, error) {
	m, err := newMatcher(root, exclude)
	if err != nil {
		return nil, err
	}
	return collectCandidates(root, m, nil)
}
