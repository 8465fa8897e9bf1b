package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/colemickens/pijul-sub000/internal/ignore"
	"github.com/colemickens/pijul-sub000/internal/inode"
	"github.com/colemickens/pijul-sub000/internal/patch"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

// RecordPatch records the working copy as a new patch, saves it, applies
// it and returns its external hash.
func (r *Repository) RecordPatch(meta patch.Meta) (graph.Hash, error) {
	changes, updates, err := r.Record()
	if err != nil {
		return graph.Hash{}, fmt.Errorf("recording: %w", err)
	}
	if len(changes) == 0 {
		return graph.Hash{}, ErrNothingToRecord
	}
	if len(meta.Authors) == 0 && r.cfg.Author != "" {
		meta.Authors = []string{r.cfg.Author}
	}
	p := patch.New(meta, changes)
	h, err := r.store.Save(p)
	if err != nil {
		return h, err
	}
	internal, err := r.Apply(p, h)
	if err != nil {
		return h, err
	}
	if err := r.SyncFileAdditions(changes, updates, internal); err != nil {
		return h, fmt.Errorf("syncing inodes: %w", err)
	}
	if err := r.WriteChangesFile(); err != nil {
		return h, err
	}
	r.log.WithFields(logrus.Fields{"hash": h.String(), "changes": len(changes)}).Info("recorded patch")
	return h, nil
}

// ImportPatch copies the patch file name from fs into the store.
func (r *Repository) ImportPatch(fs billy.Filesystem, name string) (graph.Hash, error) {
	p, h, err := r.store.ReadFile(fs, name)
	if err != nil {
		return h, err
	}
	if r.store.Has(h) {
		return h, nil
	}
	saved, err := r.store.Save(p)
	if err != nil {
		return h, err
	}
	if saved != h {
		return h, fmt.Errorf("%w: %s", patch.ErrHashMismatch, name)
	}
	return h, nil
}

// ApplyPatches applies the stored patches hashes, dependencies first, then
// rewrites the working copy. Local changes that were not recorded survive.
func (r *Repository) ApplyPatches(hashes []graph.Hash) error {
	pending, updates, err := r.Record()
	if err != nil {
		return fmt.Errorf("recording local changes: %w", err)
	}
	visiting := map[graph.Hash]bool{}
	for _, h := range hashes {
		if err := r.applyStored(h, visiting); err != nil {
			return err
		}
	}
	if err := r.OutputRepository(pending, updates); err != nil {
		return fmt.Errorf("writing working copy: %w", err)
	}
	return r.WriteChangesFile()
}

func (r *Repository) applyStored(h graph.Hash, visiting map[graph.Hash]bool) error {
	applied, err := r.HasPatch(h)
	if err != nil || applied || visiting[h] {
		return err
	}
	visiting[h] = true
	p, err := r.store.Load(h)
	if err != nil {
		return err
	}
	for _, dep := range p.Dependencies {
		ok, err := r.HasPatch(dep)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if !r.store.Has(dep) {
			return &MissingDependencyError{Patch: h, Dependency: dep}
		}
		if err := r.applyStored(dep, visiting); err != nil {
			return err
		}
	}
	internal, err := r.Apply(p, h)
	if err != nil {
		return err
	}
	if err := r.tree.BindAdditions(p.Changes, nil, internal); err != nil {
		return fmt.Errorf("binding inodes: %w", err)
	}
	r.log.WithField("hash", h.String()).Info("applied patch")
	return nil
}

// Output rewrites the working copy from the pristine, keeping local
// changes.
func (r *Repository) Output() error {
	pending, updates, err := r.Record()
	if err != nil {
		return err
	}
	return r.OutputRepository(pending, updates)
}

// AddRecursive adds p and, for a directory, everything below it that is
// not ignored.
func (r *Repository) AddRecursive(p string) error {
	m := ignore.New()
	if err := m.Load(r.wc, ignore.FileName); err != nil {
		return fmt.Errorf("loading %s: %w", ignore.FileName, err)
	}
	root := filepath.ToSlash(filepath.Clean(p))
	return util.Walk(r.wc, root, func(name string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name = filepath.ToSlash(name)
		if name == "." || name == "" {
			return nil
		}
		if m.Match(name, fi.IsDir()) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		err = r.tree.AddFile(name)
		if errors.Is(err, inode.ErrAlreadyAdded) {
			return nil
		}
		return err
	})
}
