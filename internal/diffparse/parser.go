// internal/diffparse/parser.go

// Package diffparse turns unified diff text into per-file change records.
package diffparse

import (
	"encoding/base64"
	"strings"
)

// Status is the kind of change applied to a file.
type Status string

const (
	StatusAdded    Status = "added"
	StatusModified Status = "modified"
	StatusDeleted  Status = "deleted"
	StatusRenamed  Status = "renamed"
)

const unknownPath = "unknown"

// FileChange describes one file section of a diff.
type FileChange struct {
	Path     string
	Status   Status
	Added    int
	Deleted  int
	IsBinary bool
	Patch    string
}

// Result is the outcome of parsing a whole diff.
type Result struct {
	Files   []FileChange
	Added   int
	Deleted int
}

// Churn is the total number of changed lines.
func (r Result) Churn() int {
	return r.Added + r.Deleted
}

type fileRecord struct {
	path     string
	status   Status
	added    int
	deleted  int
	isBinary bool
	lines    []string
}

func (f *fileRecord) finalize() (FileChange, bool) {
	if len(f.lines) == 0 {
		return FileChange{}, false
	}
	path := f.path
	if path == "" {
		path = headerPath(f.lines[0])
	}
	if path == "" {
		path = unknownPath
	}
	return FileChange{
		Path:     path,
		Status:   f.status,
		Added:    f.added,
		Deleted:  f.deleted,
		IsBinary: f.isBinary,
		Patch:    strings.TrimSpace(strings.Join(f.lines, "\n")),
	}, true
}

// Parse scans a unified diff line by line. Malformed input never fails; lines
// outside a "diff --git" section are ignored.
func Parse(text string) Result {
	var res Result
	if text == "" {
		return res
	}

	var cur *fileRecord
	flush := func() {
		if cur == nil {
			return
		}
		if fc, ok := cur.finalize(); ok {
			res.Files = append(res.Files, fc)
			res.Added += fc.Added
			res.Deleted += fc.Deleted
		}
	}

	for _, line := range splitLines(text) {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
			cur = &fileRecord{status: StatusModified, lines: []string{line}}
			cur.path = headerPath(line)
			continue
		}
		if cur == nil {
			continue
		}
		cur.lines = append(cur.lines, line)

		switch {
		case strings.HasPrefix(line, "new file mode"):
			cur.status = StatusAdded
		case strings.HasPrefix(line, "deleted file mode"):
			cur.status = StatusDeleted
		case strings.HasPrefix(line, "rename from"):
			cur.status = StatusRenamed
		case strings.HasPrefix(line, "rename to"):
			cur.path = strings.TrimSpace(strings.TrimPrefix(line, "rename to"))
		}

		if strings.HasPrefix(line, "Binary files") || strings.HasPrefix(line, "GIT binary patch") {
			cur.isBinary = true
		}

		if strings.HasPrefix(line, "+++ ") {
			if p := normalizePath(line[4:]); p != "" {
				cur.path = p
			}
		} else if strings.HasPrefix(line, "--- ") {
			if p := normalizePath(line[4:]); p != "" && cur.status == StatusDeleted {
				cur.path = p
			}
		}

		if cur.isBinary {
			continue
		}
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			cur.added++
		} else if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
			cur.deleted++
		}
	}
	flush()

	return res
}

// DecodeBase64 decodes diff content delivered base64-encoded. Invalid input
// yields an empty string and invalid UTF-8 sequences are replaced.
func DecodeBase64(content string) string {
	if content == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(raw), "�")
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// headerPath extracts the destination path from a "diff --git a/x b/y" header.
func headerPath(header string) string {
	parts := strings.Fields(header)
	if len(parts) < 4 {
		return ""
	}
	return normalizePath(parts[3])
}

func normalizePath(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(fragment, "a/") || strings.HasPrefix(fragment, "b/") {
		fragment = fragment[2:]
	}
	return fragment
}
