package git

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// emptyTreeSHA is git's well-known empty tree object, used as a diff base
// when two branches share no history.
const emptyTreeSHA = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// WorkerBranch identifies one worker's branch for merging.
type WorkerBranch struct {
	Num    int
	Dir    string
	Branch string
}

// FileConflict records a file that ended up with conflict markers and the
// workers whose edits collided there.
type FileConflict struct {
	Path    string
	Workers []int
}

// MergeReport summarizes a sequential merge of worker branches.
type MergeReport struct {
	Merged    []int          // worker numbers merged (including conflicted ones)
	Overlaid  []int          // workers integrated via the per-file overlay fallback
	Conflicts []FileConflict // files left with conflict markers
}

// HasConflicts reports whether any file retained conflict markers.
func (r *MergeReport) HasConflicts() bool {
	return len(r.Conflicts) > 0
}

// ConflictPaths returns the conflicted file paths, sorted.
func (r *MergeReport) ConflictPaths() []string {
	paths := make([]string, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		paths = append(paths, c.Path)
	}
	sort.Strings(paths)
	return paths
}

// Merge integrates worker branches into the current branch one at a time,
// in worker-number order. Conflicting hunks are committed with their
// markers intact rather than resolved or dropped: the merge never aborts a
// worker's changes, it surfaces the collision for a human to settle. Both
// sides of every conflict are preserved in the committed file.
func (g *Context) Merge(ctx context.Context, branches []WorkerBranch) (*MergeReport, error) {
	sorted := make([]WorkerBranch, len(branches))
	copy(sorted, branches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Num < sorted[j].Num })

	report := &MergeReport{}
	// touched maps file path -> worker numbers that changed it in an
	// already-integrated branch, for conflict attribution.
	touched := map[string][]int{}

	for _, b := range sorted {
		if err := g.fetchWorkerBranch(ctx, b); err != nil {
			return report, err
		}

		changed, err := g.branchChanges(ctx, b.Branch)
		if err != nil {
			return report, err
		}
		if len(changed) == 0 {
			// Nothing to integrate; worker committed no edits.
			report.Merged = append(report.Merged, b.Num)
			continue
		}

		conflicts, err := g.mergeBranch(ctx, b)
		if err != nil {
			// The merge machinery itself failed (unrelated history,
			// corrupt index). Fall back to the per-file overlay so the
			// worker's output is not lost.
			overlaid, oerr := g.overlayBranch(ctx, b, changed, touched)
			if oerr != nil {
				return report, fmt.Errorf("merge worker-%d: %v; overlay fallback: %w", b.Num, err, oerr)
			}
			report.Overlaid = append(report.Overlaid, b.Num)
			report.Conflicts = append(report.Conflicts, overlaid...)
		} else {
			report.Merged = append(report.Merged, b.Num)
			for _, path := range conflicts {
				report.Conflicts = append(report.Conflicts, FileConflict{
					Path:    path,
					Workers: appendWorker(touched[path], b.Num),
				})
			}
		}

		for _, path := range changed {
			touched[path] = appendWorker(touched[path], b.Num)
		}
	}

	sort.Slice(report.Conflicts, func(i, j int) bool {
		return report.Conflicts[i].Path < report.Conflicts[j].Path
	})
	return report, nil
}

// fetchWorkerBranch makes the worker's branch available as a local ref in
// the base repository. Force-updated so a re-merge after resume sees the
// branch's latest head.
func (g *Context) fetchWorkerBranch(ctx context.Context, b WorkerBranch) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/heads/%s", b.Branch, b.Branch)
	if _, err := g.runGit(ctx, "fetch", b.Dir, refspec); err != nil {
		return &GitError{Op: fmt.Sprintf("fetch worker-%d branch", b.Num), Err: err}
	}
	return nil
}

// branchChanges lists the files the branch changed relative to its merge
// base with the current head.
func (g *Context) branchChanges(ctx context.Context, branch string) ([]string, error) {
	base, err := g.runGit(ctx, "merge-base", "HEAD", branch)
	if err != nil {
		base = emptyTreeSHA
	}
	return g.ChangedFiles(ctx, base, branch)
}

// mergeBranch runs git merge --no-ff and, on textual conflicts, commits the
// tree with its markers. Returns the conflicted paths. A non-conflict merge
// failure is returned as an error for the caller's overlay fallback.
func (g *Context) mergeBranch(ctx context.Context, b WorkerBranch) ([]string, error) {
	message := fmt.Sprintf("swarm: merge worker-%d", b.Num)
	_, mergeErr := g.runGit(ctx, "merge", "--no-ff", "-m", message, b.Branch)
	if mergeErr == nil {
		return nil, nil
	}

	out, err := g.runGit(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		// Not a content conflict. Clear any half-finished merge state
		// before the caller retries by overlay.
		g.runGit(ctx, "merge", "--abort")
		return nil, &GitError{Op: fmt.Sprintf("merge worker-%d", b.Num), Err: mergeErr}
	}
	conflicted := splitLines(out)

	if err := g.StageAll(ctx); err != nil {
		return nil, err
	}
	message = fmt.Sprintf("swarm: merge worker-%d (conflicts kept)", b.Num)
	if _, err := g.runGit(ctx, "commit", "--no-verify", "-m", message); err != nil {
		return nil, &GitError{Op: fmt.Sprintf("commit conflicted merge worker-%d", b.Num), Err: err}
	}
	return conflicted, nil
}

// overlayBranch integrates a branch file by file when git merge cannot.
// Files changed only by this worker are copied in; files previously touched
// by another worker get hand-built conflict markers holding both versions.
func (g *Context) overlayBranch(ctx context.Context, b WorkerBranch, changed []string, touched map[string][]int) ([]FileConflict, error) {
	var conflicts []FileConflict
	for _, path := range changed {
		theirs, theirsErr := g.runGit(ctx, "show", b.Branch+":"+path)
		if theirsErr != nil {
			// Deleted in the worker branch; mirror the deletion.
			os.Remove(filepath.Join(g.repoPath, path))
			continue
		}

		ours, oursErr := g.runGit(ctx, "show", "HEAD:"+path)
		target := filepath.Join(g.repoPath, path)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("overlay %s: %w", path, err)
		}

		content := theirs
		if oursErr == nil && ours != theirs && len(touched[path]) > 0 {
			content = conflictMarkers(ours, theirs, b.Branch)
			conflicts = append(conflicts, FileConflict{
				Path:    path,
				Workers: appendWorker(touched[path], b.Num),
			})
		}
		if err := os.WriteFile(target, []byte(content+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("overlay %s: %w", path, err)
		}
	}

	if err := g.StageAll(ctx); err != nil {
		return nil, err
	}
	message := fmt.Sprintf("swarm: overlay worker-%d", b.Num)
	if len(conflicts) > 0 {
		message += " (conflicts kept)"
	}
	if _, err := g.CommitAllowEmpty(ctx, message); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// conflictMarkers builds a whole-file conflict in standard marker format.
func conflictMarkers(ours, theirs, theirLabel string) string {
	var sb strings.Builder
	sb.WriteString("<<<<<<< HEAD\n")
	sb.WriteString(strings.TrimRight(ours, "\n"))
	sb.WriteString("\n=======\n")
	sb.WriteString(strings.TrimRight(theirs, "\n"))
	sb.WriteString("\n>>>>>>> " + theirLabel)
	return sb.String()
}

func appendWorker(workers []int, num int) []int {
	for _, w := range workers {
		if w == num {
			return workers
		}
	}
	out := make([]int, len(workers), len(workers)+1)
	copy(out, workers)
	return append(out, num)
}

// markerFile is the file stamped into every extracted project so later runs
// can tell swarm-managed directories from arbitrary user data.
const markerFile = ".swarm-project.yaml"

// ProjectMarker is the metadata written to an extracted project directory.
type ProjectMarker struct {
	RunID       string    `yaml:"run_id"`
	SourceHash  string    `yaml:"source_hash,omitempty"`
	Branch      string    `yaml:"branch"`
	PublishedAt time.Time `yaml:"published_at"`
}

// ReadProjectMarker loads the marker from a project directory, or nil when
// the directory carries none.
func ReadProjectMarker(dir string) (*ProjectMarker, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m ProjectMarker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse project marker: %w", err)
	}
	return &m, nil
}

// Extract copies the merged working tree (minus git internals) into
// <projectsRoot>/<name> and stamps it with a project marker. An existing
// destination is replaced only when it carries a marker from an earlier
// extraction; anything else is refused with ErrNotProject so a stray user
// directory is never clobbered.
func (g *Context) Extract(ctx context.Context, projectsRoot, name string, marker ProjectMarker) (string, error) {
	dest := filepath.Join(projectsRoot, name)

	if _, err := os.Stat(dest); err == nil {
		existing, err := ReadProjectMarker(dest)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", fmt.Errorf("%w: %s", ErrNotProject, dest)
		}
		if err := os.RemoveAll(dest); err != nil {
			return "", fmt.Errorf("replace project: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	if err := copyTree(g.repoPath, dest); err != nil {
		return "", fmt.Errorf("extract project: %w", err)
	}

	if marker.PublishedAt.IsZero() {
		marker.PublishedAt = time.Now().UTC()
	}
	data, err := yaml.Marshal(&marker)
	if err != nil {
		return "", fmt.Errorf("encode project marker: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dest, markerFile), data, 0o644); err != nil {
		return "", fmt.Errorf("write project marker: %w", err)
	}
	return dest, nil
}

// copyTree copies src into dst, skipping git internals.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		if d.Name() == ".git" && d.IsDir() {
			return filepath.SkipDir
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
