// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"strconv"
	"strings"
)

// FileDiff is one file's worth of a unified diff.
type FileDiff struct {
	Path      string `json:"path"`
	OldPath   string `json:"old_path,omitempty"` // set for renames
	Status    string `json:"status"`             // added, deleted, modified, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Binary    bool   `json:"binary,omitempty"`
	Hunks     []Hunk `json:"hunks,omitempty"`
}

// Hunk is one @@-delimited region of a file diff. Lines keep their
// leading marker character (' ', '+', '-').
type Hunk struct {
	Header   string   `json:"header"`
	OldStart int      `json:"old_start"`
	OldLines int      `json:"old_lines"`
	NewStart int      `json:"new_start"`
	NewLines int      `json:"new_lines"`
	Lines    []string `json:"lines"`
}

// ParseUnifiedDiff parses `git diff` output into per-file hunks.
// Unrecognized lines between files are skipped, so the parser tolerates
// extended headers (mode changes, index lines, binary notices).
func ParseUnifiedDiff(raw string) []FileDiff {
	var files []FileDiff
	var current *FileDiff
	var hunk *Hunk

	flushHunk := func() {
		if current != nil && hunk != nil {
			current.Hunks = append(current.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if current != nil {
			files = append(files, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			current = &FileDiff{Status: "modified"}
			oldPath, newPath := parseDiffGitLine(line)
			current.Path = newPath
			if oldPath != newPath {
				current.OldPath = oldPath
			}

		case current == nil:
			continue

		case strings.HasPrefix(line, "new file mode"):
			current.Status = "added"
		case strings.HasPrefix(line, "deleted file mode"):
			current.Status = "deleted"
			current.Path = firstNonEmpty(current.OldPath, current.Path)
			current.OldPath = ""
		case strings.HasPrefix(line, "rename from "):
			current.Status = "renamed"
			current.OldPath = strings.TrimPrefix(line, "rename from ")
		case strings.HasPrefix(line, "rename to "):
			current.Path = strings.TrimPrefix(line, "rename to ")
		case strings.HasPrefix(line, "Binary files "):
			current.Binary = true

		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			// Path lines carry no information the diff --git line lacks.

		case strings.HasPrefix(line, "@@"):
			flushHunk()
			h, ok := parseHunkHeader(line)
			if ok {
				hunk = &h
			}

		case hunk != nil && len(line) > 0:
			switch line[0] {
			case '+':
				current.Additions++
				hunk.Lines = append(hunk.Lines, line)
			case '-':
				current.Deletions++
				hunk.Lines = append(hunk.Lines, line)
			case ' ', '\\':
				hunk.Lines = append(hunk.Lines, line)
			}
		}
	}
	flushFile()
	return files
}

// parseDiffGitLine extracts the two paths from a "diff --git a/x b/y"
// header.
func parseDiffGitLine(line string) (string, string) {
	rest := strings.TrimPrefix(line, "diff --git ")
	// Paths with spaces are rare in this position and quoted by git;
	// handle the common unquoted form and fall back to the raw halves.
	parts := strings.SplitN(rest, " b/", 2)
	if len(parts) == 2 {
		return strings.TrimPrefix(parts[0], "a/"), parts[1]
	}
	fields := strings.Fields(rest)
	if len(fields) >= 2 {
		return strings.TrimPrefix(fields[0], "a/"), strings.TrimPrefix(fields[len(fields)-1], "b/")
	}
	return rest, rest
}

// parseHunkHeader parses "@@ -l,n +l,n @@ context".
func parseHunkHeader(line string) (Hunk, bool) {
	h := Hunk{Header: line}
	inner := strings.TrimPrefix(line, "@@")
	end := strings.Index(inner, "@@")
	if end < 0 {
		return h, false
	}
	ranges := strings.Fields(strings.TrimSpace(inner[:end]))
	if len(ranges) != 2 {
		return h, false
	}
	var ok bool
	if h.OldStart, h.OldLines, ok = parseRange(strings.TrimPrefix(ranges[0], "-")); !ok {
		return h, false
	}
	if h.NewStart, h.NewLines, ok = parseRange(strings.TrimPrefix(ranges[1], "+")); !ok {
		return h, false
	}
	return h, true
}

func parseRange(s string) (int, int, bool) {
	start, count := s, "1"
	if i := strings.Index(s, ","); i >= 0 {
		start, count = s[:i], s[i+1:]
	}
	a, err := strconv.Atoi(start)
	if err != nil {
		return 0, 0, false
	}
	b, err := strconv.Atoi(count)
	if err != nil {
		return 0, 0, false
	}
	return a, b, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
