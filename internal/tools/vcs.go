package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

var ErrProtectedBranch = errors.New("commit to protected branch refused")

// protectedBranches are names the Vcs refuses to commit to directly.
var protectedBranches = map[string]struct{}{
	"main": {}, "master": {}, "production": {}, "release": {},
}

// GitVcs implements Vcs over a local repository using go-git.
type GitVcs struct {
	dir   string
	audit *Audit

	repo *git.Repository
}

// NewGitVcs builds a Vcs rooted at dir. The repository is created by
// Init or discovered lazily on first use.
func NewGitVcs(dir string, audit *Audit) *GitVcs {
	return &GitVcs{dir: dir, audit: audit}
}

// Init creates the repository, or opens it when one already exists.
func (v *GitVcs) Init(ctx context.Context) error {
	repo, err := git.PlainInit(v.dir, false)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.PlainOpen(v.dir)
	}
	if err != nil {
		v.audit.Record(ctx, "vcs", "init", err, zap.String("dir", v.dir))
		return fmt.Errorf("init repository: %w", err)
	}
	v.repo = repo
	v.audit.Record(ctx, "vcs", "init", nil, zap.String("dir", v.dir))
	return nil
}

func (v *GitVcs) open() (*git.Repository, error) {
	if v.repo != nil {
		return v.repo, nil
	}
	repo, err := git.PlainOpen(v.dir)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	v.repo = repo
	return repo, nil
}

// Add stages path; "." stages everything.
func (v *GitVcs) Add(ctx context.Context, path string) error {
	repo, err := v.open()
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if path == "." || path == "" {
		err = wt.AddWithOptions(&git.AddOptions{All: true})
	} else {
		_, err = wt.Add(path)
	}
	v.audit.Record(ctx, "vcs", "add", err, zap.String("path", path))
	if err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	return nil
}

// Commit records the staged changes. Commits to protected branch names
// are refused.
func (v *GitVcs) Commit(ctx context.Context, message string) (string, error) {
	repo, err := v.open()
	if err != nil {
		return "", err
	}
	// HEAD is read unresolved so the unborn branch right after init is
	// still checked.
	if ref, err := repo.Reference(plumbing.HEAD, false); err == nil {
		branch := ref.Target().Short()
		if ref.Type() == plumbing.HashReference {
			branch = ref.Name().Short()
		}
		if _, protected := protectedBranches[strings.ToLower(branch)]; protected {
			v.audit.Record(ctx, "vcs", "commit", ErrProtectedBranch, zap.String("branch", branch))
			return "", fmt.Errorf("%w: %s", ErrProtectedBranch, branch)
		}
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "ai-team",
			Email: "ai-team@localhost",
			When:  time.Now(),
		},
	})
	v.audit.Record(ctx, "vcs", "commit", err, zap.String("message", message))
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// Branch creates and checks out a branch.
func (v *GitVcs) Branch(ctx context.Context, name string) error {
	repo, err := v.open()
	if err != nil {
		return err
	}
	branchRef := plumbing.NewBranchReferenceName(name)
	if _, headErr := repo.Head(); headErr != nil {
		// Unborn repository: checkout cannot resolve a start point, so
		// point HEAD at the new branch directly. The first commit will
		// create it.
		err = repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef))
		v.audit.Record(ctx, "vcs", "branch", err, zap.String("name", name))
		if err != nil {
			return fmt.Errorf("create branch %s: %w", name, err)
		}
		return nil
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: branchRef,
		Create: true,
	})
	v.audit.Record(ctx, "vcs", "branch", err, zap.String("name", name))
	if err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// Status returns the porcelain status of the worktree.
func (v *GitVcs) Status(ctx context.Context) (string, error) {
	repo, err := v.open()
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	st, err := wt.Status()
	v.audit.Record(ctx, "vcs", "status", err)
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	return st.String(), nil
}

// Diff summarizes the change between HEAD and its parent.
func (v *GitVcs) Diff(ctx context.Context) (string, error) {
	repo, err := v.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("head commit: %w", err)
	}
	parent, err := commit.Parent(0)
	if err != nil {
		// Initial commit has no parent; nothing to diff against.
		return "", nil
	}
	patch, err := parent.Patch(commit)
	v.audit.Record(ctx, "vcs", "diff", err)
	if err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	return patch.String(), nil
}
