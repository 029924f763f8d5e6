package git

import "errors"

// Repository operation errors.
var (
	// ErrNotRepo indicates the path is not a git repository.
	ErrNotRepo = errors.New("not a git repository")

	// ErrNothingToCommit indicates there are no staged changes to commit.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrBranchExists indicates the branch already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrNotProject indicates an extract destination that exists but was
	// not published by a previous run, so it must not be overwritten.
	ErrNotProject = errors.New("destination exists and is not a published project")
)

// GitError wraps a git command error with the operation that failed.
// Named GitError (not Error) to avoid collision with the builtin error interface.
type GitError struct {
	Op     string // Operation that failed (e.g., "commit", "merge")
	Output string // Command output, when it carries the real message
	Err    error  // Underlying error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return e.Op + ": " + e.Output
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *GitError) Unwrap() error {
	return e.Err
}
