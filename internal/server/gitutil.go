package server

import (
	"bufio"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/agent-console/server/internal/apperr"
)

// diffFile is one changed-file entry from a name-status diff.
type diffFile struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// gitDiffFiles returns the changed files between base and the worktree's
// working copy (including uncommitted changes), name-status encoded.
func gitDiffFiles(dir, base string) ([]diffFile, error) {
	out, err := exec.Command("git", "-C", dir, "diff", "--name-status", base).CombinedOutput()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "git diff --name-status failed: "+strings.TrimSpace(string(out)), err)
	}
	var files []diffFile
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		files = append(files, diffFile{Status: parts[0], Path: parts[1]})
	}
	return files, nil
}

// gitDiffOneFile returns the unified diff text for a single path.
func gitDiffOneFile(dir, base, path string) (string, error) {
	out, err := exec.Command("git", "-C", dir, "diff", base, "--", path).CombinedOutput()
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "git diff failed: "+strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// gitBranches lists local and remote branch names.
func gitBranches(dir string) ([]string, error) {
	out, err := exec.Command("git", "-C", dir, "branch", "-a", "--format=%(refname:short)").CombinedOutput()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "git branch failed: "+strings.TrimSpace(string(out)), err)
	}
	var branches []string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

type commitInfo struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	Message string `json:"message"`
}

// gitCommits lists commits reachable from HEAD but not from base.
func gitCommits(dir, base string) ([]commitInfo, error) {
	rangeSpec := "HEAD"
	if base != "" {
		rangeSpec = base + "..HEAD"
	}
	out, err := exec.Command("git", "-C", dir, "log", rangeSpec, "--pretty=format:%H%x1f%an%x1f%aI%x1f%s").CombinedOutput()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "git log failed: "+strings.TrimSpace(string(out)), err)
	}
	var commits []commitInfo
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\x1f")
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, commitInfo{Hash: parts[0], Author: parts[1], Date: parts[2], Message: parts[3]})
	}
	return commits, nil
}

// gitCurrentBranch returns the branch checked out in dir.
func gitCurrentBranch(dir string) (string, error) {
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD").CombinedOutput()
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "git rev-parse failed: "+strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// gitRemoteOwnerRepo parses the "origin" remote URL (SSH or HTTPS form)
// into a GitHub owner/repo pair, for building a PR-creation link.
func gitRemoteOwnerRepo(dir string) (string, error) {
	out, err := exec.Command("git", "-C", dir, "remote", "get-url", "origin").CombinedOutput()
	if err != nil {
		return "", apperr.Wrap(apperr.NotFound, "no origin remote configured", err)
	}
	remote := strings.TrimSpace(string(out))
	remote = strings.TrimSuffix(remote, ".git")

	switch {
	case strings.HasPrefix(remote, "git@"):
		// git@github.com:owner/repo
		parts := strings.SplitN(remote, ":", 2)
		if len(parts) != 2 {
			return "", apperr.New(apperr.Internal, "unrecognized remote URL shape")
		}
		return parts[1], nil
	case strings.Contains(remote, "://"):
		u, err := url.Parse(remote)
		if err != nil {
			return "", apperr.Wrap(apperr.Internal, "parse remote URL", err)
		}
		return strings.TrimPrefix(u.Path, "/"), nil
	default:
		return "", apperr.New(apperr.Internal, "unrecognized remote URL shape")
	}
}

// buildPRLink builds a GitHub "open a pull request" URL for a branch
// compared against a base branch.
func buildPRLink(dir, branch, base string) (string, error) {
	ownerRepo, err := gitRemoteOwnerRepo(dir)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://github.com/%s/compare/%s...%s?expand=1", ownerRepo, base, branch), nil
}

// runGitOutput runs git with args in dir and returns combined stdout/stderr.
func runGitOutput(dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	out, err := exec.Command("git", full...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %v: %w: %s", args, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// parseHeadBranch extracts the branch name from "git remote show
// origin"'s "HEAD branch: <name>" line.
func parseHeadBranch(remoteShowOutput string) string {
	scanner := bufio.NewScanner(strings.NewReader(remoteShowOutput))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "HEAD branch:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "HEAD branch:"))
		}
	}
	return ""
}
