// Package tree turns flat sandbox directory listings into the hierarchical
// file tree the editor renders.
//
// The listing comes from a fixed find schema run inside the sandbox:
//
//	find . -mindepth 1 -printf '%y\t%s\t%p\n'
//
// One line per entry: type character, size in bytes, path relative to the
// project root. The type travels with the entry, so building the tree never
// guesses whether a path is a file or a folder.
package tree

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/codesail/codesail/internal/domain"
)

// Entry is one parsed listing line.
type Entry struct {
	Type domain.NodeType
	Size int64
	Path string // Relative to the project root, forward slashes, no leading "./".
}

// Result holds the built tree plus diagnostics for entries that needed
// repair. Diagnostics never fail the build; they surface listing anomalies
// (duplicates, orphans) without dropping the rest of the tree.
type Result struct {
	Nodes       []*domain.FileTreeNode
	Diagnostics []string
}

// ParseListing parses raw find output into entries. Lines that do not match
// the schema are skipped and reported as diagnostics. Symlinks and other
// special entries are listed as files.
func ParseListing(out string) ([]Entry, []string) {
	var (
		entries []Entry
		diags   []string
	)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			diags = append(diags, fmt.Sprintf("malformed listing line %q", line))
			continue
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			diags = append(diags, fmt.Sprintf("malformed size in listing line %q", line))
			continue
		}

		p, ok := normalizePath(parts[2])
		if !ok {
			diags = append(diags, fmt.Sprintf("unsafe path in listing line %q", line))
			continue
		}

		nodeType := domain.NodeFile
		if parts[0] == "d" {
			nodeType = domain.NodeFolder
		}
		entries = append(entries, Entry{Type: nodeType, Size: size, Path: p})
	}
	return entries, diags
}

// normalizePath strips the "./" prefix and rejects paths that escape the
// root. The second return is false for unusable paths.
func normalizePath(p string) (string, bool) {
	p = strings.TrimPrefix(p, "./")
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return "", false
	}
	clean := path.Clean(p)
	if clean != p || strings.HasPrefix(clean, "..") || path.IsAbs(clean) {
		return "", false
	}
	return clean, true
}

// Build assembles entries into a sorted tree.
//
// Rules:
//   - A folder entry always carries a non-nil Children slice, even when empty.
//   - Missing parent folders are synthesized so no entry is orphaned.
//   - On duplicate paths the first entry wins, except that a later folder
//     entry upgrades an earlier file node (never the reverse).
//   - Folders sort before files, then lexicographically by name.
func Build(entries []Entry) *Result {
	nodes := make(map[string]*domain.FileTreeNode, len(entries))
	synth := make(map[string]bool)
	var diags []string

	order := make([]string, 0, len(entries))

	ensureFolder := func(p string) *domain.FileTreeNode {
		if n, ok := nodes[p]; ok {
			if n.Type == domain.NodeFile {
				diags = append(diags, fmt.Sprintf("path %s listed as both file and folder, keeping folder", p))
				n.Type = domain.NodeFolder
				n.Size = 0
				n.Children = []*domain.FileTreeNode{}
			}
			return n
		}
		n := &domain.FileTreeNode{
			Name:     path.Base(p),
			Path:     p,
			Type:     domain.NodeFolder,
			Children: []*domain.FileTreeNode{},
		}
		nodes[p] = n
		order = append(order, p)
		return n
	}

	for _, e := range entries {
		// Synthesize any missing ancestors first so every node has a home.
		for _, anc := range ancestors(e.Path) {
			if _, ok := nodes[anc]; !ok {
				diags = append(diags, fmt.Sprintf("synthesized missing folder %s", anc))
				synth[anc] = true
			}
			ensureFolder(anc)
		}

		if existing, ok := nodes[e.Path]; ok {
			switch {
			case synth[e.Path] && e.Type == domain.NodeFolder:
				// The real entry for a previously synthesized folder.
				delete(synth, e.Path)
			case e.Type == domain.NodeFolder && existing.Type == domain.NodeFile:
				diags = append(diags, fmt.Sprintf("path %s listed as both file and folder, keeping folder", e.Path))
				existing.Type = domain.NodeFolder
				existing.Size = 0
				existing.Children = []*domain.FileTreeNode{}
			default:
				diags = append(diags, fmt.Sprintf("duplicate listing entry for %s", e.Path))
			}
			continue
		}

		n := &domain.FileTreeNode{
			Name: path.Base(e.Path),
			Path: e.Path,
			Type: e.Type,
		}
		if e.Type == domain.NodeFolder {
			n.Children = []*domain.FileTreeNode{}
		} else {
			n.Size = e.Size
		}
		nodes[e.Path] = n
		order = append(order, e.Path)
	}

	// Attach children to parents in first-seen order.
	var roots []*domain.FileTreeNode
	for _, p := range order {
		n := nodes[p]
		dir := path.Dir(p)
		if dir == "." {
			roots = append(roots, n)
			continue
		}
		parent := nodes[dir]
		parent.Children = append(parent.Children, n)
	}

	sortNodes(roots)
	return &Result{Nodes: roots, Diagnostics: diags}
}

// Rebase prefixes every node path with the absolute project root. After
// rebasing, a node's parent is always the node at its path minus the final
// segment — including across the root boundary, where stripping a segment
// from a top-level entry yields the root itself.
func Rebase(nodes []*domain.FileTreeNode, root string) {
	for _, n := range nodes {
		n.Path = root + "/" + n.Path
		if len(n.Children) > 0 {
			Rebase(n.Children, root)
		}
	}
}

// ancestors returns every ancestor of p from the top down, excluding p itself.
func ancestors(p string) []string {
	var out []string
	for i, r := range p {
		if r == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}

// sortNodes orders siblings folders-first, then by name, recursively.
func sortNodes(nodes []*domain.FileTreeNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == domain.NodeFolder
		}
		return nodes[i].Name < nodes[j].Name
	})
	for _, n := range nodes {
		if len(n.Children) > 0 {
			sortNodes(n.Children)
		}
	}
}
