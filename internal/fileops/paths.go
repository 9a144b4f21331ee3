package fileops

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/sandbox"
)

// WorkspaceBase is where project roots live inside every sandbox pod.
const WorkspaceBase = sandbox.WorkspaceBase

const maxPathLength = 1024

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ProjectRoot returns the absolute sandbox path of a project.
func ProjectRoot(projectID string) (string, error) {
	if !projectIDPattern.MatchString(projectID) || strings.Contains(projectID, "..") {
		return "", fmt.Errorf("project id %q is not valid: %w", projectID, domain.ErrValidation)
	}
	return WorkspaceBase + "/" + projectID, nil
}

// CleanRelPath normalizes a project-relative path and rejects anything that
// could escape the project root: absolute paths, "..", backslashes, NULs.
// The empty string and "." normalize to "." (the root itself).
func CleanRelPath(rel string) (string, error) {
	if len(rel) > maxPathLength {
		return "", fmt.Errorf("path too long: %w", domain.ErrValidation)
	}
	if strings.ContainsAny(rel, "\x00\\") {
		return "", fmt.Errorf("path %q contains forbidden characters: %w", rel, domain.ErrValidation)
	}
	if strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("path %q is absolute: %w", rel, domain.ErrValidation)
	}

	clean := path.Clean(rel)
	if clean == "" {
		clean = "."
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the project root: %w", rel, domain.ErrValidation)
	}
	return clean, nil
}

// ResolveFile resolves a project-relative path to an absolute sandbox path.
// The project root itself is not a valid file target.
func ResolveFile(projectID, rel string) (string, error) {
	root, err := ProjectRoot(projectID)
	if err != nil {
		return "", err
	}
	clean, err := CleanRelPath(rel)
	if err != nil {
		return "", err
	}
	if clean == "." {
		return "", fmt.Errorf("path %q resolves to the project root: %w", rel, domain.ErrValidation)
	}
	return root + "/" + clean, nil
}

// ResolveDir resolves a project-relative directory path to an absolute
// sandbox path. Empty and "." resolve to the project root.
func ResolveDir(projectID, rel string) (string, error) {
	root, err := ProjectRoot(projectID)
	if err != nil {
		return "", err
	}
	clean, err := CleanRelPath(rel)
	if err != nil {
		return "", err
	}
	if clean == "." {
		return root, nil
	}
	return root + "/" + clean, nil
}
