// Package git manages the source trees a swarm run works on: the base
// repository, one isolated clone per worker, the sequential merge of worker
// branches back into the integration branch, and extraction of the merged
// tree into a published project.
//
// All operations shell out to the git binary through a CommandRunner so
// tests can substitute command execution.
package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Context manages git operations for one repository working tree.
type Context struct {
	repoPath string
	runner   CommandRunner
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithRunner sets a custom command runner. Used by tests to inject mock
// command execution.
func WithRunner(runner CommandRunner) ContextOption {
	return func(g *Context) {
		g.runner = runner
	}
}

// NewContext creates a git context for an existing repository.
// Returns ErrNotRepo when the path is not inside a git work tree.
func NewContext(repoPath string, opts ...ContextOption) (*Context, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	g := &Context{
		repoPath: absPath,
		runner:   NewExecRunner(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if _, err := g.runGit(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, ErrNotRepo
	}
	return g, nil
}

// Prepare resolves the base source tree for a run. A missing or empty
// directory is initialized as a fresh repository with a root commit; an
// existing repository whose head branch is named differently from branch is
// renamed to it. Workers assume the integration branch exists, so the
// rename is not optional.
func Prepare(ctx context.Context, repoDir, branch string, opts ...ContextOption) (*Context, error) {
	absPath, err := filepath.Abs(repoDir)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}

	g := &Context{
		repoPath: absPath,
		runner:   NewExecRunner(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if _, err := g.runGit(ctx, "rev-parse", "--git-dir"); err != nil {
		if err := g.initRepo(ctx, branch); err != nil {
			return nil, err
		}
		return g, nil
	}

	if err := g.ensureIdentity(ctx); err != nil {
		return nil, err
	}
	if err := g.NormalizeHead(ctx, branch); err != nil {
		return nil, err
	}
	return g, nil
}

// initRepo turns the directory into a repository on branch with a root
// commit carrying whatever files the directory already holds.
func (g *Context) initRepo(ctx context.Context, branch string) error {
	if _, err := g.runGit(ctx, "init"); err != nil {
		return &GitError{Op: "init", Err: err}
	}
	// symbolic-ref instead of init -b: works on every git new enough to
	// have worktree-aware clones.
	if _, err := g.runGit(ctx, "symbolic-ref", "HEAD", "refs/heads/"+branch); err != nil {
		return &GitError{Op: "set head branch", Err: err}
	}
	if err := g.ensureIdentity(ctx); err != nil {
		return err
	}
	if err := g.StageAll(ctx); err != nil {
		return err
	}
	if _, err := g.CommitAllowEmpty(ctx, "swarm: initialize repository"); err != nil {
		return err
	}
	return nil
}

// ensureIdentity sets a repository-local committer identity when none is
// configured, so commits in clones and on CI hosts do not fail.
func (g *Context) ensureIdentity(ctx context.Context) error {
	if email, err := g.runGit(ctx, "config", "user.email"); err == nil && email != "" {
		return nil
	}
	if _, err := g.runGit(ctx, "config", "user.name", "swarm"); err != nil {
		return &GitError{Op: "set user.name", Err: err}
	}
	if _, err := g.runGit(ctx, "config", "user.email", "swarm@localhost"); err != nil {
		return &GitError{Op: "set user.email", Err: err}
	}
	return nil
}

// NormalizeHead renames the current head branch to branch when it is named
// differently. An unborn head (fresh repo, no commits) is repointed instead
// of renamed.
func (g *Context) NormalizeHead(ctx context.Context, branch string) error {
	current, err := g.runGit(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return &GitError{Op: "read head branch", Err: err}
	}
	if current == branch {
		return nil
	}
	if _, err := g.runGit(ctx, "rev-parse", "--verify", "HEAD"); err != nil {
		// Unborn head: nothing to rename yet.
		if _, err := g.runGit(ctx, "symbolic-ref", "HEAD", "refs/heads/"+branch); err != nil {
			return &GitError{Op: "set head branch", Err: err}
		}
		return nil
	}
	if _, err := g.runGit(ctx, "branch", "-m", current, branch); err != nil {
		return &GitError{Op: "rename head branch", Err: err}
	}
	return nil
}

// RepoPath returns the path to the repository working tree.
func (g *Context) RepoPath() string {
	return g.repoPath
}

// CurrentBranch returns the checked-out branch name.
func (g *Context) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := g.runGit(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", &GitError{Op: "get current branch", Err: err}
	}
	return branch, nil
}

// HeadCommit returns the current HEAD commit SHA.
func (g *Context) HeadCommit(ctx context.Context) (string, error) {
	sha, err := g.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", &GitError{Op: "get HEAD commit", Err: err}
	}
	return sha, nil
}

// BranchExists checks if a branch exists.
func (g *Context) BranchExists(ctx context.Context, name string) bool {
	_, err := g.runGit(ctx, "rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// Checkout switches to the specified ref.
func (g *Context) Checkout(ctx context.Context, ref string) error {
	if _, err := g.runGit(ctx, "checkout", ref); err != nil {
		return &GitError{Op: "checkout", Err: err}
	}
	return nil
}

// CreateBranch creates a new branch at HEAD and switches to it.
func (g *Context) CreateBranch(ctx context.Context, name string) error {
	if _, err := g.runGit(ctx, "checkout", "-b", name); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return ErrBranchExists
		}
		return &GitError{Op: "create branch", Err: err}
	}
	return nil
}

// StageAll stages all changes (git add -A).
func (g *Context) StageAll(ctx context.Context) error {
	if _, err := g.runGit(ctx, "add", "-A"); err != nil {
		return &GitError{Op: "stage all", Err: err}
	}
	return nil
}

// StagedFiles lists the paths currently staged for commit.
func (g *Context) StagedFiles(ctx context.Context) ([]string, error) {
	out, err := g.runGit(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, &GitError{Op: "list staged files", Err: err}
	}
	return splitLines(out), nil
}

// Commit records the staged changes with the given message and returns the
// new commit SHA. Returns ErrNothingToCommit when nothing is staged.
func (g *Context) Commit(ctx context.Context, message string) (string, error) {
	output, err := g.runGit(ctx, "commit", "-m", message)
	if err != nil {
		if strings.Contains(output, "nothing to commit") ||
			strings.Contains(err.Error(), "nothing to commit") {
			return "", ErrNothingToCommit
		}
		return "", &GitError{Op: "commit", Output: output, Err: err}
	}
	return g.HeadCommit(ctx)
}

// CommitAllowEmpty records a commit even when nothing is staged. A task may
// legitimately produce no edits; its completion still gets a commit so
// resume-by-commit can find it.
func (g *Context) CommitAllowEmpty(ctx context.Context, message string) (string, error) {
	output, err := g.runGit(ctx, "commit", "--allow-empty", "-m", message)
	if err != nil {
		return "", &GitError{Op: "commit", Output: output, Err: err}
	}
	return g.HeadCommit(ctx)
}

// LogSubject is one commit in LogSubjects output.
type LogSubject struct {
	SHA     string
	Subject string
}

// LogSubjects returns up to limit recent commit subjects, newest first.
// Resume-by-commit scans these for a task's keyword digest.
func (g *Context) LogSubjects(ctx context.Context, limit int) ([]LogSubject, error) {
	args := []string{"log", "--format=%H%x09%s"}
	if limit > 0 {
		args = append(args, "-n", strconv.Itoa(limit))
	}
	out, err := g.runGit(ctx, args...)
	if err != nil {
		// A repo with no commits has no log; that is not an error here.
		if strings.Contains(err.Error(), "does not have any commits") {
			return nil, nil
		}
		return nil, &GitError{Op: "log subjects", Err: err}
	}

	var subjects []LogSubject
	for _, line := range splitLines(out) {
		sha, subject, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		subjects = append(subjects, LogSubject{SHA: sha, Subject: subject})
	}
	return subjects, nil
}

// ChangedFiles lists paths that differ between two refs.
func (g *Context) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	out, err := g.runGit(ctx, "diff", "--name-only", from, to)
	if err != nil {
		return nil, &GitError{Op: "changed files", Err: err}
	}
	return splitLines(out), nil
}

// Checkout is an isolated per-worker working tree: a full clone of the base
// repository on its own branch. Clones share nothing mutable with the base
// or with each other; a worker may commit with the base repo gone.
type Checkout struct {
	*Context
	Num    int
	Branch string
}

// WorkerBranchName returns the branch a worker commits on.
func WorkerBranchName(runID string, workerNum int) string {
	return fmt.Sprintf("swarm/%s/worker-%d", runID, workerNum)
}

// WorkerCheckout clones the base repository into
// <stateRoot>/<runID>/worker-<n>/repo and creates the worker's branch from
// the integration head. An existing clone from an earlier incarnation of the
// same run is reused so resume-by-commit can see its history.
func (g *Context) WorkerCheckout(ctx context.Context, stateRoot, runID string, workerNum int) (*Checkout, error) {
	dest := filepath.Join(stateRoot, runID, fmt.Sprintf("worker-%d", workerNum), "repo")
	branch := WorkerBranchName(runID, workerNum)

	clone := &Context{repoPath: dest, runner: g.runner}

	if _, err := clone.runGit(ctx, "rev-parse", "--git-dir"); err == nil {
		// Resumed run: keep the clone and its commits.
		if !clone.BranchExists(ctx, branch) {
			if err := clone.CreateBranch(ctx, branch); err != nil {
				return nil, err
			}
		} else if err := clone.Checkout(ctx, branch); err != nil {
			return nil, err
		}
		return &Checkout{Context: clone, Num: workerNum, Branch: branch}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	// --no-hardlinks: the clone must survive the base repo being rewritten.
	if _, err := g.runGit(ctx, "clone", "--no-hardlinks", g.repoPath, dest); err != nil {
		return nil, &GitError{Op: "clone worker checkout", Err: err}
	}
	if err := clone.ensureIdentity(ctx); err != nil {
		return nil, err
	}
	if err := clone.CreateBranch(ctx, branch); err != nil {
		return nil, err
	}
	return &Checkout{Context: clone, Num: workerNum, Branch: branch}, nil
}

// SanitizeBranchName converts a branch name to a safe directory name.
func SanitizeBranchName(branch string) string {
	safe := strings.ReplaceAll(branch, "/", "-")
	safe = strings.ToLower(safe)
	safe = regexp.MustCompile(`[^a-z0-9-]`).ReplaceAllString(safe, "")
	safe = regexp.MustCompile(`-+`).ReplaceAllString(safe, "-")
	return strings.Trim(safe, "-")
}

// runGit executes a git command in the context's working tree.
func (g *Context) runGit(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, g.repoPath, "git", args...)
}

// RunGit executes a git command and returns stdout. Public variant of
// runGit for callers composing operations this package does not wrap.
func (g *Context) RunGit(ctx context.Context, args ...string) (string, error) {
	return g.runGit(ctx, args...)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
