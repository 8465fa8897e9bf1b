// Package repository ties the pristine, the patch store and the working
// copy together.
package repository

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/colemickens/pijul-sub000/internal/apply"
	"github.com/colemickens/pijul-sub000/internal/config"
	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/colemickens/pijul-sub000/internal/inode"
	"github.com/colemickens/pijul-sub000/internal/kv"
	"github.com/colemickens/pijul-sub000/internal/output"
	"github.com/colemickens/pijul-sub000/internal/patch"
	"github.com/colemickens/pijul-sub000/internal/record"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/sirupsen/logrus"
)

// Layout of the metadata directory.
const (
	DotDir      = ".pijul"
	PristineDir = "pristine"
	PatchesDir  = "patches"
	ConfigFile  = "config.yml"
)

var (
	ErrNothingToRecord    = errors.New("nothing to record")
	ErrNotInRepository    = errors.New("not in a repository")
	ErrAlreadyInitialized = errors.New("repository already initialized")
)

// MissingDependencyError is returned when a patch depends on one that is
// neither applied nor in the store.
type MissingDependencyError struct {
	Patch      graph.Hash
	Dependency graph.Hash
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("patch %s depends on missing patch %s", e.Patch, e.Dependency)
}

// Options configures Open and Init.
type Options struct {
	// Filesystem is the working copy. Defaults to the OS filesystem at root.
	Filesystem billy.Filesystem
	// PristineDir is where the kv store lives. Defaults to
	// root/.pijul/pristine.
	PristineDir string
	// Config overrides .pijul/config.yml.
	Config *config.Config
	Logger *logrus.Logger
}

func (o *Options) defaults(root string) {
	if o.Filesystem == nil {
		o.Filesystem = osfs.New(root)
	}
	if o.PristineDir == "" {
		o.PristineDir = filepath.Join(root, DotDir, PristineDir)
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
}

// Repository is an open repository holding one write transaction. Every
// change becomes durable at Close; Abort discards it.
type Repository struct {
	Root   string
	wc     billy.Filesystem
	dot    billy.Filesystem
	cfg    *config.Config
	log    *logrus.Logger
	env    kv.Env
	txn    kv.Txn
	g      *graph.Graph
	tree   *inode.Tree
	store  *patch.Store
	branch string
}

// FindRoot returns the closest ancestor of dir holding a .pijul directory.
func FindRoot(dir string) (string, error) {
	d, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if fi, err := os.Stat(filepath.Join(d, DotDir)); err == nil && fi.IsDir() {
			return d, nil
		}
		parent := filepath.Dir(d)
		if parent == d {
			return "", ErrNotInRepository
		}
		d = parent
	}
}

// Init creates the metadata directory under root and an empty pristine.
func Init(root string, opts Options) error {
	opts.defaults(root)
	if _, err := opts.Filesystem.Stat(DotDir); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, root)
	}
	if err := opts.Filesystem.MkdirAll(filepath.Join(DotDir, PatchesDir), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", DotDir, err)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	dot, err := opts.Filesystem.Chroot(DotDir)
	if err != nil {
		return err
	}
	if err := cfg.Save(dot, ConfigFile); err != nil {
		return err
	}
	opts.Config = cfg
	r, err := Open(root, opts)
	if err != nil {
		return err
	}
	if err := r.g.SetCurrentBranch(cfg.Branch); err != nil {
		r.Abort()
		return err
	}
	r.branch = cfg.Branch
	if err := r.WriteChangesFile(); err != nil {
		r.Abort()
		return err
	}
	opts.Logger.WithField("root", root).Debug("initialized repository")
	return r.Close()
}

// Open opens the repository at root.
func Open(root string, opts Options) (*Repository, error) {
	opts.defaults(root)
	dot, err := opts.Filesystem.Chroot(DotDir)
	if err != nil {
		return nil, err
	}
	if _, err := opts.Filesystem.Stat(DotDir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInRepository, root)
	}
	cfg := opts.Config
	if cfg == nil {
		if cfg, err = config.Load(dot, ConfigFile); err != nil {
			return nil, err
		}
	}

	storeCfg := patch.StoreConfig{Encoding: patch.Encoding(cfg.PatchEncoding), Logger: opts.Logger}
	if cfg.SigningKeyPath != "" {
		if storeCfg.Signer, err = patch.LoadSigner(opts.Filesystem, cfg.SigningKeyPath); err != nil {
			return nil, fmt.Errorf("loading signing key: %w", err)
		}
	}
	if cfg.KeyringPath != "" {
		if storeCfg.Keyring, err = patch.LoadKeyring(opts.Filesystem, cfg.KeyringPath); err != nil {
			return nil, fmt.Errorf("loading keyring: %w", err)
		}
	}
	patches, err := dot.Chroot(PatchesDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.PristineDir, 0755); err != nil {
		return nil, fmt.Errorf("creating pristine directory: %w", err)
	}
	env, err := kv.Open(kv.Config{Backend: cfg.Backend, Path: opts.PristineDir, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("opening pristine: %w", err)
	}
	txn, err := env.Begin()
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	g := graph.New(txn, opts.Logger)
	branch, err := g.CurrentBranch()
	if err != nil {
		txn.Abort()
		env.Close()
		return nil, err
	}
	return &Repository{
		Root:   root,
		wc:     opts.Filesystem,
		dot:    dot,
		cfg:    cfg,
		log:    opts.Logger,
		env:    env,
		txn:    txn,
		g:      g,
		tree:   inode.New(g),
		store:  patch.NewStore(patches, storeCfg),
		branch: branch,
	}, nil
}

// Close commits the transaction and closes the pristine.
func (r *Repository) Close() error {
	if err := r.txn.Commit(); err != nil {
		r.env.Close()
		return fmt.Errorf("committing: %w", err)
	}
	return r.env.Close()
}

// Abort discards every change made since Open.
func (r *Repository) Abort() error {
	r.txn.Abort()
	return r.env.Close()
}

func (r *Repository) Config() *config.Config { return r.cfg }
func (r *Repository) Branch() string         { return r.branch }
func (r *Repository) Store() *patch.Store    { return r.store }

func (r *Repository) AddFile(p string) error { return r.tree.AddFile(p) }

func (r *Repository) MoveFile(src, dst string) error {
	return r.tree.MoveFile(src, dst)
}

func (r *Repository) RemoveFile(p string) error { return r.tree.RemoveFile(p) }

func (r *Repository) ListFiles() ([]string, error) { return r.tree.ListFiles() }

// Record compares the working copy with the pristine.
func (r *Repository) Record() ([]patch.Change, inode.Updates, error) {
	return record.Record(r.g, r.wc)
}

func (r *Repository) NewInternal() (graph.Hash, error) { return r.g.NewInternal() }

func (r *Repository) RegisterHash(internal, external graph.Hash) error {
	return r.g.RegisterHash(internal, external)
}

// Apply applies p, whose external hash is ext, and returns its internal
// hash. A patch seen before keeps its internal hash, so applying it twice
// fails with apply.ErrAlreadyApplied.
func (r *Repository) Apply(p *patch.Patch, ext graph.Hash) (graph.Hash, error) {
	internal, err := r.g.InternalHash(ext)
	var notFound *graph.InternalHashNotFoundError
	if errors.As(err, &notFound) {
		if internal, err = r.g.NewInternal(); err != nil {
			return internal, err
		}
		err = r.g.RegisterHash(internal, ext)
	}
	if err != nil {
		return internal, err
	}
	if err := apply.Apply(r.g, p, internal, r.branch); err != nil {
		return internal, fmt.Errorf("applying %s: %w", ext, err)
	}
	return internal, nil
}

// HasPatch reports whether the patch with external hash h is applied.
func (r *Repository) HasPatch(h graph.Hash) (bool, error) {
	if h.IsRoot() {
		return true, nil
	}
	internal, err := r.g.InternalHash(h)
	var notFound *graph.InternalHashNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.g.BranchHas(r.branch, internal)
}

func (r *Repository) SyncFileAdditions(changes []patch.Change, updates inode.Updates, internal graph.Hash) error {
	return r.tree.SyncFileAdditions(changes, updates, internal)
}

// OutputRepository writes the pristine to the working copy, keeping the
// unrecorded changes pending.
func (r *Repository) OutputRepository(pending []patch.Change, updates inode.Updates) error {
	return output.Repository(r.g, r.wc, pending, updates, r.branch)
}

// ChangesFile is the name of the branch's changes file inside .pijul.
func (r *Repository) ChangesFile() string {
	return "changes." + hex.EncodeToString([]byte(r.branch))
}

// Changes lists the external hashes applied on the branch.
func (r *Repository) Changes() ([]graph.Hash, error) {
	internals, err := r.g.BranchPatches(r.branch)
	if err != nil {
		return nil, err
	}
	out := make([]graph.Hash, 0, len(internals))
	for _, h := range internals {
		ext, err := r.g.ExternalHash(h)
		if err != nil {
			return nil, err
		}
		out = append(out, ext)
	}
	return out, nil
}

// WriteChangesFile writes the branch's applied patches to .pijul.
func (r *Repository) WriteChangesFile() error {
	hashes, err := r.Changes()
	if err != nil {
		return err
	}
	return patch.WriteChanges(r.dot, r.ChangesFile(), hashes)
}

// Debug writes the graph in Graphviz format.
func (r *Repository) Debug(w io.Writer) error { return r.g.Debug(w) }
