package sandbox

import (
	"fmt"
	"strings"

	"github.com/codesail/codesail/internal/domain"
)

// maxPodSuffix caps the sanitized user part of the pod name so the full name
// stays within the 63-character DNS label limit.
const maxPodSuffix = 50

// Locator derives the sandbox pod reference for a user. Resolution is pure:
// no cluster calls, the same user always maps to the same pod name.
type Locator struct {
	namespace string
	container string
	prefix    string
}

// NewLocator creates a Locator for the given namespace, container, and pod
// name prefix.
func NewLocator(namespace, container, prefix string) *Locator {
	return &Locator{namespace: namespace, container: container, prefix: prefix}
}

// Resolve maps a user ID to its sandbox pod reference.
// The user ID is lowercased, every non-alphanumeric rune becomes '-', and the
// result is capped so the pod name is a valid DNS label.
func (l *Locator) Resolve(userID string) (Ref, error) {
	if strings.TrimSpace(userID) == "" {
		return Ref{}, fmt.Errorf("user id is empty: %w", domain.ErrValidation)
	}

	var b strings.Builder
	for _, r := range strings.ToLower(userID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	suffix := b.String()
	if len(suffix) > maxPodSuffix {
		suffix = suffix[:maxPodSuffix]
	}
	// DNS labels must not end with '-'.
	suffix = strings.TrimRight(suffix, "-")
	if suffix == "" {
		return Ref{}, fmt.Errorf("user id %q has no usable characters: %w", userID, domain.ErrValidation)
	}

	return Ref{
		Namespace: l.namespace,
		Pod:       l.prefix + suffix,
		Container: l.container,
	}, nil
}
