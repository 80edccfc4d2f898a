package botstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirStore is the filesystem implementation of [Store]: a directory holding
// one subdirectory per revision under revs/ and a HEAD file naming the
// current one. Revision ids are ULIDs, so directory name order is commit
// order and old revisions double as history.
//
// Commits are atomic through the usual write-then-rename dance: a revision
// directory appears fully formed or not at all, and HEAD flips in a single
// rename. Concurrent commits from separate processes race on the HEAD
// check, which is acceptable for a bot that takes the advisory lock first.
type DirStore struct {
	root string
}

const (
	headFile = "HEAD"
	revsDir  = "revs"
	metaFile = ".commit.json"
)

// commitMeta records a revision's parentage, kept in a dotfile the blob walk
// skips.
type commitMeta struct {
	Parent  string    `json:"parent"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}

// NewDirStore opens, creating if needed, the snapshot store rooted at dir.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, revsDir), 0755); err != nil {
		return nil, fmt.Errorf("cannot create snapshot store %q: %w", dir, err)
	}
	return &DirStore{root: dir}, nil
}

// Root returns the store's root directory.
func (s *DirStore) Root() string { return s.root }

// Head implements the Store interface.
func (s *DirStore) Head() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, headFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cannot read HEAD: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Fetch implements the Store interface.
func (s *DirStore) Fetch() (string, map[string][]byte, error) {
	rev, err := s.Head()
	if err != nil {
		return "", nil, err
	}
	blobs := make(map[string][]byte)
	if rev == "" {
		return "", blobs, nil
	}
	dir := filepath.Join(s.root, revsDir, rev)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		blobs[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("cannot read revision %q: %w", rev, err)
	}
	return rev, blobs, nil
}

// Commit implements the Store interface.
func (s *DirStore) Commit(baseRev string, blobs map[string][]byte, message string) (string, error) {
	head, err := s.Head()
	if err != nil {
		return "", err
	}
	if head != baseRev {
		return "", fmt.Errorf("head is %q, commit base is %q: %w", head, baseRev, ErrConflict)
	}

	rev := NewID()
	tmp := filepath.Join(s.root, revsDir, ".tmp-"+rev)
	if err := s.writeRevision(tmp, baseRev, blobs, message); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(s.root, revsDir, rev)); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("cannot finalize revision: %w", err)
	}

	headTmp := filepath.Join(s.root, headFile+".tmp")
	if err := os.WriteFile(headTmp, []byte(rev+"\n"), 0644); err != nil {
		return "", fmt.Errorf("cannot write HEAD: %w", err)
	}
	if err := os.Rename(headTmp, filepath.Join(s.root, headFile)); err != nil {
		return "", fmt.Errorf("cannot replace HEAD: %w", err)
	}
	return rev, nil
}

func (s *DirStore) writeRevision(dir, parent string, blobs map[string][]byte, message string) error {
	for name, data := range blobs {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("cannot create revision dir: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("cannot write blob %q: %w", name, err)
		}
	}
	meta, err := json.Marshal(commitMeta{Parent: parent, Message: message, TS: Now()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metaFile), append(meta, '\n'), 0644)
}

// Revisions returns all revision ids in commit order, oldest first.
func (s *DirStore) Revisions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, revsDir))
	if err != nil {
		return nil, fmt.Errorf("cannot list revisions: %w", err)
	}
	var revs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			revs = append(revs, e.Name())
		}
	}
	return revs, nil
}

var _ Store = (*DirStore)(nil)
