// Package main provides the pijul CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/colemickens/pijul-sub000/internal/patch"
	"github.com/colemickens/pijul-sub000/internal/repository"
)

// Version is the current CLI version
var Version = "0.1.0"

var (
	repoFlag     string
	logLevelFlag string
	log          = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:     "pijul",
	Short:   "Pijul - patch-based version control",
	Long:    `Pijul records changes as patches over a graph of lines. Patches that commute can be applied in any order.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevelFlag == "" {
			return nil
		}
		lvl, err := logrus.ParseLevel(logLevelFlag)
		if err != nil {
			return err
		}
		log.SetLevel(lvl)
		return nil
	},
	SilenceUsage: true,
}

const (
	groupStart = "start"
	groupPatch = "patch"
	groupDebug = "debug"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a repository",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var addRecursive bool

var addCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Track files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

var mvCmd = &cobra.Command{
	Use:   "mv <src> <dst>",
	Short: "Move a tracked file",
	Args:  cobra.ExactArgs(2),
	RunE:  runMv,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Stop tracking files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tracked files",
	Args:  cobra.NoArgs,
	RunE:  runLs,
}

var (
	recordName        string
	recordAuthor      string
	recordDescription string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the working copy as a patch",
	Args:  cobra.NoArgs,
	RunE:  runRecord,
}

var applyCmd = &cobra.Command{
	Use:   "apply <hash|file>...",
	Short: "Apply patches",
	Long: `Apply patches by hash from the patch store, or from patch files.

Dependencies found in the store are applied first. Unrecorded changes in
the working copy are kept.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runApply,
}

var outputCmd = &cobra.Command{
	Use:   "output",
	Short: "Write the pristine to the working copy",
	Args:  cobra.NoArgs,
	RunE:  runOutput,
}

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "List applied patches",
	Args:  cobra.NoArgs,
	RunE:  runChanges,
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Print the graph in Graphviz format",
	Args:  cobra.NoArgs,
	RunE:  runDebug,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repository", ".", "Path inside the repository")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides config)")

	addCmd.Flags().BoolVarP(&addRecursive, "recursive", "r", false, "Add directories recursively")
	recordCmd.Flags().StringVarP(&recordName, "message", "m", "", "Patch name")
	recordCmd.Flags().StringVarP(&recordAuthor, "author", "A", "", "Patch author")
	recordCmd.Flags().StringVarP(&recordDescription, "description", "d", "", "Patch description")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupStart, Title: "Working Copy:"},
		&cobra.Group{ID: groupPatch, Title: "Patches:"},
		&cobra.Group{ID: groupDebug, Title: "Debugging:"},
	)
	for _, c := range []*cobra.Command{initCmd, addCmd, mvCmd, rmCmd, lsCmd} {
		c.GroupID = groupStart
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{recordCmd, applyCmd, outputCmd, changesCmd} {
		c.GroupID = groupPatch
		rootCmd.AddCommand(c)
	}
	debugCmd.GroupID = groupDebug
	rootCmd.AddCommand(debugCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withRepo opens the repository containing --repository, runs fn and
// commits, or aborts when fn fails.
func withRepo(fn func(r *repository.Repository) error) error {
	root, err := repository.FindRoot(repoFlag)
	if err != nil {
		return err
	}
	r, err := repository.Open(root, repository.Options{Logger: log})
	if err != nil {
		return err
	}
	if logLevelFlag == "" {
		log.SetLevel(r.Config().Level())
	}
	if err := fn(r); err != nil {
		r.Abort()
		return err
	}
	return r.Close()
}

// relPath turns p, relative to the current directory, into a path relative
// to the repository root.
func relPath(root, p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the repository", p)
	}
	return filepath.ToSlash(rel), nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}
	if err := repository.Init(root, repository.Options{Logger: log}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized repository in %s\n", filepath.Join(root, repository.DotDir))
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	return withRepo(func(r *repository.Repository) error {
		for _, a := range args {
			rel, err := relPath(r.Root, a)
			if err != nil {
				return err
			}
			if addRecursive {
				if err := r.AddRecursive(rel); err != nil {
					return err
				}
				continue
			}
			if _, err := os.Stat(a); err != nil {
				return err
			}
			if err := r.AddFile(rel); err != nil {
				return err
			}
		}
		return nil
	})
}

func runMv(cmd *cobra.Command, args []string) error {
	return withRepo(func(r *repository.Repository) error {
		src, err := relPath(r.Root, args[0])
		if err != nil {
			return err
		}
		dst, err := relPath(r.Root, args[1])
		if err != nil {
			return err
		}
		if _, err := os.Stat(args[0]); err != nil {
			return err
		}
		if err := r.MoveFile(src, dst); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(args[1]), 0755); err != nil {
			return err
		}
		return os.Rename(args[0], args[1])
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	return withRepo(func(r *repository.Repository) error {
		for _, a := range args {
			rel, err := relPath(r.Root, a)
			if err != nil {
				return err
			}
			if err := r.RemoveFile(rel); err != nil {
				return err
			}
		}
		return nil
	})
}

func runLs(cmd *cobra.Command, args []string) error {
	return withRepo(func(r *repository.Repository) error {
		files, err := r.ListFiles()
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintln(cmd.OutOrStdout(), f)
		}
		return nil
	})
}

func runRecord(cmd *cobra.Command, args []string) error {
	return withRepo(func(r *repository.Repository) error {
		meta := patch.Meta{Name: recordName, Description: recordDescription}
		if recordAuthor != "" {
			meta.Authors = []string{recordAuthor}
		}
		h, err := r.RecordPatch(meta)
		if errors.Is(err, repository.ErrNothingToRecord) {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to record")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded patch %s\n", h)
		return nil
	})
}

func runApply(cmd *cobra.Command, args []string) error {
	return withRepo(func(r *repository.Repository) error {
		var hashes []graph.Hash
		for _, a := range args {
			if h, err := graph.ParseHash(a); err == nil && r.Store().Has(h) {
				hashes = append(hashes, h)
				continue
			}
			abs, err := filepath.Abs(a)
			if err != nil {
				return err
			}
			h, err := r.ImportPatch(osfs.New(filepath.Dir(abs)), filepath.Base(abs))
			if err != nil {
				return fmt.Errorf("reading %s: %w", a, err)
			}
			hashes = append(hashes, h)
		}
		if err := r.ApplyPatches(hashes); err != nil {
			return err
		}
		for _, h := range hashes {
			fmt.Fprintf(cmd.OutOrStdout(), "Applied patch %s\n", h)
		}
		return nil
	})
}

func runOutput(cmd *cobra.Command, args []string) error {
	return withRepo(func(r *repository.Repository) error {
		return r.Output()
	})
}

func runChanges(cmd *cobra.Command, args []string) error {
	return withRepo(func(r *repository.Repository) error {
		hashes, err := r.Changes()
		if err != nil {
			return err
		}
		for _, h := range hashes {
			fmt.Fprintln(cmd.OutOrStdout(), h)
		}
		return nil
	})
}

func runDebug(cmd *cobra.Command, args []string) error {
	return withRepo(func(r *repository.Repository) error {
		return r.Debug(cmd.OutOrStdout())
	})
}
