package session

import "strings"

// mutatingCommands are command names assumed to change the filesystem.
// The heuristic errs toward false positives: an unnecessary refresh is
// harmless, a missed one leaves the editor stale.
var mutatingCommands = map[string]bool{
	"rm": true, "mv": true, "cp": true, "touch": true, "mkdir": true,
	"rmdir": true, "ln": true, "dd": true, "tee": true, "truncate": true,
	"chmod": true, "chown": true, "install": true, "sed": true,
	"tar": true, "unzip": true, "zip": true, "gunzip": true, "gzip": true,
	"git": true, "npm": true, "npx": true, "yarn": true, "pnpm": true,
	"pip": true, "pip3": true, "go": true, "cargo": true, "make": true,
	"composer": true, "bundle": true, "mvn": true, "gradle": true,
}

// commandMutates reports whether a terminal command likely changes the
// project tree. It checks for output redirection and for known mutating
// command names at the start of each pipeline segment.
func commandMutates(command string) bool {
	if strings.Contains(command, ">") {
		return true
	}
	for _, segment := range splitSegments(command) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		// Strip env-var assignments and sudo prefixes.
		for len(fields) > 1 && (strings.Contains(name, "=") || name == "sudo" || name == "env") {
			fields = fields[1:]
			name = fields[0]
		}
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		if mutatingCommands[name] {
			return true
		}
	}
	return false
}

// splitSegments breaks a shell command on the common separators so each
// pipeline or list segment is judged by its own leading word. This does not
// parse quoting; it only needs to be approximately right.
func splitSegments(command string) []string {
	return strings.FieldsFunc(command, func(r rune) bool {
		return r == ';' || r == '|' || r == '&'
	})
}
