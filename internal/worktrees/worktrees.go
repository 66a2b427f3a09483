// Package worktrees implements the Worktree Service: index allocation,
// git worktree creation/removal, template expansion, and setup/cleanup
// command execution.
//
// git invocation and porcelain parsing are grounded in the teacher's
// worktree validator (server/worktree_validation.go's fetchWorktrees
// and ParseWorktreePorcelain); directory naming is grounded in its
// SanitizeWorktreeDirName, adapted from a derived-from-branch-name
// scheme to this system's `wt-<NNN>-<random>` scheme since index
// allocation here is authoritative and must be collision-free without
// inspecting the branch name.
package worktrees

import (
	"bufio"
	"fmt"
	"math/rand"
	neturl "net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agent-console/server/internal/apperr"
	"github.com/agent-console/server/internal/envfile"
	"github.com/agent-console/server/internal/events"
	"github.com/agent-console/server/internal/store"
)

// BranchMode selects how create_worktree derives the new branch name.
type BranchMode string

const (
	BranchAuto     BranchMode = "auto"
	BranchCustom   BranchMode = "custom"
	BranchExisting BranchMode = "existing"
	BranchPrompt   BranchMode = "prompt"
)

// CreateRequest describes a worktree creation request.
type CreateRequest struct {
	BranchMode   BranchMode
	Branch       string // required for custom/existing; ignored for auto/prompt
	InitialPrompt string // used to derive a branch name under BranchPrompt
	UseRemote    bool
}

// Info describes one worktree as reported by the union of git and the DB.
type Info struct {
	Path     string
	Branch   string
	IsPrimary bool
	Orphan   bool // registered in DB but absent from git worktree list
	Record   *store.WorktreeRecord
}

// SuggestBranchName proposes a branch name from free-text prompt
// content; failures fall back to a timestamp-derived name (spec's
// documented task-<epoch_ms> fallback).
type SuggestBranchName func(prompt string) (string, error)

// Service implements worktree lifecycle operations for one repository store.
type Service struct {
	store   *store.Store
	suggest SuggestBranchName
	hub     *events.Hub
}

// New creates a Service.
func New(s *store.Store, hub *events.Hub, suggest SuggestBranchName) *Service {
	return &Service{store: s, hub: hub, suggest: suggest}
}

// PublishCreationFailed broadcasts worktree-creation-failed for a task
// whose asynchronous creation job errored out before CreateWorktree
// could run (e.g. the repository row vanished between enqueue and
// claim). CreateWorktree publishes its own completion/failure events
// once it starts running; this covers the gap before that point.
func (s *Service) PublishCreationFailed(taskID, message string) {
	if s.hub != nil {
		s.hub.PublishWorktreeCreationFailed(taskID, message)
	}
}

// rootFor returns the managed worktree root for a repository laid out
// under its config-root tree (<config_root>/repositories/<org>/<repo>/worktrees).
func rootFor(configRoot, repoSlug string) string {
	return filepath.Join(configRoot, "repositories", repoSlug, "worktrees")
}

// ListWorktrees unions git's porcelain listing with DB records,
// flagging DB rows with no corresponding git entry as orphans.
func (s *Service) ListWorktrees(repo store.Repository) ([]Info, error) {
	gitList, err := listGitWorktrees(repo.Path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list git worktrees", err)
	}
	records, err := s.store.ListWorktreeRecords(repo.ID)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*store.WorktreeRecord, len(records))
	for i := range records {
		byPath[records[i].Path] = &records[i]
	}

	out := make([]Info, 0, len(gitList))
	seen := make(map[string]bool)
	for _, g := range gitList {
		info := Info{Path: g.Path, Branch: g.Branch, IsPrimary: g.IsPrimary, Record: byPath[g.Path]}
		out = append(out, info)
		seen[g.Path] = true
	}
	for _, rec := range records {
		if !seen[rec.Path] {
			r := rec
			out = append(out, Info{Path: rec.Path, Branch: rec.Branch, Orphan: true, Record: &r})
		}
	}
	return out, nil
}

type gitWorktree struct {
	Path      string
	Branch    string
	IsPrimary bool
}

// listGitWorktrees runs `git worktree list --porcelain` and parses its
// blank-line-delimited records.
func listGitWorktrees(repoPath string) ([]gitWorktree, error) {
	out, err := exec.Command("git", "-C", repoPath, "worktree", "list", "--porcelain").Output()
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %w", err)
	}
	return parseWorktreePorcelain(string(out)), nil
}

func parseWorktreePorcelain(output string) []gitWorktree {
	var result []gitWorktree
	var cur gitWorktree
	first := true

	flush := func() {
		if cur.Path == "" {
			return
		}
		cur.IsPrimary = first
		first = false
		result = append(result, cur)
		cur = gitWorktree{}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			cur.Branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	flush()
	return result
}

// isWorktreeOf is the authoritative boundary check: path must equal
// either the repository's primary checkout or a DB-registered worktree.
func (s *Service) isWorktreeOf(repo store.Repository, path string) (bool, error) {
	clean, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	repoAbs, err := filepath.Abs(repo.Path)
	if err != nil {
		return false, err
	}
	if clean == repoAbs {
		return true, nil
	}
	records, err := s.store.ListWorktreeRecords(repo.ID)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		recAbs, err := filepath.Abs(r.Path)
		if err != nil {
			continue
		}
		if recAbs == clean {
			return true, nil
		}
	}
	return false, nil
}

// RemoteOwnerRepo parses the checkout's "origin" remote URL (SSH or
// HTTPS form) into a GitHub "owner/repo" pair.
func RemoteOwnerRepo(repoPath string) (string, error) {
	out, err := exec.Command("git", "-C", repoPath, "remote", "get-url", "origin").CombinedOutput()
	if err != nil {
		return "", apperr.Wrap(apperr.NotFound, "no origin remote configured", err)
	}
	remote := strings.TrimSpace(string(out))
	remote = strings.TrimSuffix(remote, ".git")

	switch {
	case strings.HasPrefix(remote, "git@"):
		parts := strings.SplitN(remote, ":", 2)
		if len(parts) != 2 {
			return "", apperr.New(apperr.Internal, "unrecognized remote URL shape")
		}
		return parts[1], nil
	case strings.Contains(remote, "://"):
		u, err := neturl.Parse(remote)
		if err != nil {
			return "", apperr.Wrap(apperr.Internal, "parse remote URL", err)
		}
		return strings.TrimPrefix(u.Path, "/"), nil
	default:
		return "", apperr.New(apperr.Internal, "unrecognized remote URL shape")
	}
}

// RepositorySlug derives the "<org>/<repo>" path component used under
// <config_root>/repositories/ for a registered repository's worktrees
// directory (§6). It prefers the checkout's origin
// remote, so two repositories with the same display name but different
// owners don't collide on disk; with no origin remote it falls back to
// a synthetic "local/<sanitized-name>" slug.
func RepositorySlug(repoPath, repoName string) string {
	if ownerRepo, err := RemoteOwnerRepo(repoPath); err == nil && ownerRepo != "" {
		return ownerRepo
	}
	return "local/" + sanitizeSlugComponent(repoName)
}

func sanitizeSlugComponent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "repo"
	}
	return out
}

var dirNameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = dirNameAlphabet[rand.Intn(len(dirNameAlphabet))]
	}
	return string(b)
}

// CreateResult is the outcome of a successful create_worktree call.
type CreateResult struct {
	Worktree   store.WorktreeRecord
	FetchFailed bool
	SetupOutput string
	SetupExitCode int
}

// CreateWorktree allocates an index, derives a directory name and
// branch, creates the git worktree, expands templates, and runs the
// repository setup command.
func (s *Service) CreateWorktree(repo store.Repository, configRoot, repoSlug string, req CreateRequest, taskID string) (CreateResult, error) {
	branch, err := s.resolveBranch(req)
	if err != nil {
		return CreateResult{}, err
	}

	root := rootFor(configRoot, repoSlug)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return CreateResult{}, apperr.Wrap(apperr.Internal, "create worktrees root", err)
	}

	// Index allocation and directory-name reservation happen in the
	// same store-locked critical section, so two concurrent creates for
	// the same repository can never land on the same index/path.
	rec, err := s.store.AllocateWorktreeRecord(repo.ID, branch, func(index int) string {
		return filepath.Join(root, fmt.Sprintf("wt-%03d-%s", index, randomSuffix(4)))
	})
	if err != nil {
		return CreateResult{}, err
	}
	path := rec.Path
	index := rec.IndexNumber

	fetchFailed := false
	baseRef := repo.DefaultBranch
	if req.UseRemote {
		if err := exec.Command("git", "-C", repo.Path, "fetch", "origin", repo.DefaultBranch).Run(); err != nil {
			fetchFailed = true
		} else {
			baseRef = "origin/" + repo.DefaultBranch
		}
	}

	args := []string{"-C", repo.Path, "worktree", "add"}
	switch req.BranchMode {
	case BranchExisting:
		args = append(args, path, branch)
	default:
		args = append(args, "-b", branch, path, baseRef)
	}
	if out, err := exec.Command("git", args...).CombinedOutput(); err != nil {
		_ = s.store.DeleteWorktreeRecord(rec.ID)
		return CreateResult{}, apperr.Wrap(apperr.Internal, "git worktree add failed: "+strings.TrimSpace(string(out)), err)
	}

	if err := expandTemplates(repo.Path, path, index, branch, repoSlug); err != nil {
		return CreateResult{Worktree: rec, FetchFailed: fetchFailed}, apperr.Wrap(apperr.Internal, "expand worktree templates", err)
	}

	output, code := runSetupCommand(repo, path, index, branch)

	if s.hub != nil {
		s.hub.PublishWorktreeCreationCompleted(taskID, rec)
	}
	return CreateResult{Worktree: rec, FetchFailed: fetchFailed, SetupOutput: output, SetupExitCode: code}, nil
}

func (s *Service) resolveBranch(req CreateRequest) (string, error) {
	switch req.BranchMode {
	case BranchCustom, BranchExisting:
		if req.Branch == "" {
			return "", apperr.New(apperr.Validation, "branch is required for this branch_mode")
		}
		return req.Branch, nil
	case BranchPrompt:
		if s.suggest != nil {
			if name, err := s.suggest(req.InitialPrompt); err == nil && name != "" {
				return name, nil
			}
		}
		return fmt.Sprintf("task-%d", time.Now().UTC().UnixMilli()), nil
	case BranchAuto, "":
		return fmt.Sprintf("task-%d", time.Now().UTC().UnixMilli()), nil
	default:
		return "", apperr.Newf(apperr.Validation, "unknown branch_mode %q", req.BranchMode)
	}
}

// RemoveWorktree validates the boundary check, runs the cleanup
// command, removes the git worktree, and deletes the DB row.
func (s *Service) RemoveWorktree(repo store.Repository, path string, force bool, taskID string) error {
	ok, err := s.isWorktreeOf(repo, path)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.Validation, "path is not a managed worktree of this repository")
	}
	rec, err := s.store.GetWorktreeRecordByPath(path)
	if err != nil {
		return err
	}

	if s.hub != nil {
		s.hub.PublishWorktreeDeletionTask(taskID, "progressing", "running cleanup command")
	}

	if repo.CleanupCommand != "" {
		env := buildTemplateEnv(rec.IndexNumber, rec.Branch, repo.Name, path)
		cmd := exec.Command("/bin/sh", "-c", repo.CleanupCommand)
		cmd.Dir = path
		cmd.Env = append(os.Environ(), append(env, envfile.Parse(repo.EnvVars)...)...)
		if _, err := cmd.CombinedOutput(); err != nil && !force {
			if s.hub != nil {
				s.hub.PublishWorktreeDeletionTask(taskID, "failed", err.Error())
			}
			return apperr.Wrap(apperr.Internal, "cleanup command failed", err)
		}
	}

	args := []string{"-C", repo.Path, "worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	if out, err := exec.Command("git", args...).CombinedOutput(); err != nil {
		if s.hub != nil {
			s.hub.PublishWorktreeDeletionTask(taskID, "failed", strings.TrimSpace(string(out)))
		}
		return apperr.Wrap(apperr.Internal, "git worktree remove failed: "+strings.TrimSpace(string(out)), err)
	}

	if err := s.store.DeleteWorktreeRecord(rec.ID); err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.PublishWorktreeDeletionTask(taskID, "completed", "")
	}
	return nil
}

func buildTemplateEnv(index int, branch, repo, path string) []string {
	return []string{
		"WORKTREE_NUM=" + strconv.Itoa(index),
		"BRANCH=" + branch,
		"REPO=" + repo,
		"WORKTREE_PATH=" + path,
	}
}

func runSetupCommand(repo store.Repository, path string, index int, branch string) (string, int) {
	if repo.SetupCommand == "" {
		return "", 0
	}
	cmd := exec.Command("/bin/sh", "-c", repo.SetupCommand)
	cmd.Dir = path
	env := append(buildTemplateEnv(index, branch, repo.Name, path), envfile.Parse(repo.EnvVars)...)
	cmd.Env = append(os.Environ(), env...)

	out, err := cmd.CombinedOutput()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	return string(out), code
}

// templateVar matches {{NAME}} and {{NAME + N}} / {{NAME - N}} forms.
var templateVar = regexp.MustCompile(`\{\{\s*(\w+)\s*(?:([+-])\s*(\d+)\s*)?\}\}`)

// expandText substitutes {{NAME}} / {{NAME + N}} / {{NAME - N}}
// placeholders. The arithmetic form is defined only for integer-valued
// variables (§9 Open Question); applying it to a non-integer base
// (e.g. {{BRANCH + 3}}) is a validation error rather than silently
// emitting literal placeholder text, per the decision recorded in
// DESIGN.md.
func expandText(text string, index int, branch, repo, path string) (string, error) {
	values := map[string]string{
		"WORKTREE_NUM":  strconv.Itoa(index),
		"BRANCH":        branch,
		"REPO":          repo,
		"WORKTREE_PATH": path,
	}
	var firstErr error
	result := templateVar.ReplaceAllStringFunc(text, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := templateVar.FindStringSubmatch(match)
		name, op, operand := groups[1], groups[2], groups[3]
		base, ok := values[name]
		if !ok {
			return match
		}
		if op == "" {
			return base
		}
		n, err := strconv.Atoi(base)
		if err != nil {
			firstErr = apperr.Newf(apperr.Validation, "template arithmetic form %q used on non-integer variable %q=%q", match, name, base)
			return match
		}
		delta, _ := strconv.Atoi(operand)
		if op == "-" {
			delta = -delta
		}
		return strconv.Itoa(n + delta)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// expandTemplates copies every file from the repository's
// .agent-console/templates directory (if any) into dest, expanding
// {{...}} placeholders in file contents. No other template directory
// is read; nothing under the config root is consulted.
func expandTemplates(repoPath, dest string, index int, branch, repoSlug string) error {
	templatesDir := filepath.Join(repoPath, ".agent-console", "templates")
	info, err := os.Stat(templatesDir)
	if err != nil || !info.IsDir() {
		return nil
	}
	return filepath.WalkDir(templatesDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(templatesDir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		expanded, err := expandText(string(content), index, branch, repoSlug, dest)
		if err != nil {
			return err
		}

		target := filepath.Join(dest, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, []byte(expanded), 0o644)
	})
}
