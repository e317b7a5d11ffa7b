// Package patch parses and applies unified diffs. Only plain add, modify and
// delete patches are supported; renames and binary patches are refused.
package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/featureflow/featureflow/internal/domain"
)

// Hunk is one @@ block of a file patch.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []string
}

// Kind of change a FilePatch performs.
type Kind string

const (
	KindAdd    Kind = "add"
	KindModify Kind = "modify"
	KindDelete Kind = "delete"
)

// FilePatch is the parsed patch for a single file.
type FilePatch struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

var hunkRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Parse splits a unified diff into per-file patches.
func Parse(text string) ([]FilePatch, error) {
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "GIT binary patch") || strings.HasPrefix(line, "Binary files ") {
			return nil, fmt.Errorf("%w: binary patches are not supported", domain.ErrPatchApply)
		}
		if strings.HasPrefix(line, "rename from ") || strings.HasPrefix(line, "rename to ") {
			return nil, fmt.Errorf("%w: rename patches are not supported", domain.ErrPatchApply)
		}
	}

	var patches []FilePatch
	i := 0
	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(line, "--- ") {
			i++
			continue
		}
		oldRaw := strings.TrimSpace(line[4:])
		i++
		if i >= len(lines) || !strings.HasPrefix(lines[i], "+++ ") {
			return nil, fmt.Errorf("%w: missing +++ header", domain.ErrPatchApply)
		}
		newRaw := strings.TrimSpace(lines[i][4:])
		i++

		fp := FilePatch{
			OldPath: strings.SplitN(oldRaw, "\t", 2)[0],
			NewPath: strings.SplitN(newRaw, "\t", 2)[0],
		}

		for i < len(lines) {
			if strings.HasPrefix(lines[i], "diff --git ") || strings.HasPrefix(lines[i], "--- ") {
				break
			}
			if strings.HasPrefix(lines[i], "@@ ") {
				m := hunkRe.FindStringSubmatch(lines[i])
				if m == nil {
					return nil, fmt.Errorf("%w: malformed hunk header %q", domain.ErrPatchApply, lines[i])
				}
				hunk := Hunk{
					OldStart: atoiOr(m[1], 0),
					OldCount: atoiOr(m[2], 1),
					NewStart: atoiOr(m[3], 0),
					NewCount: atoiOr(m[4], 1),
				}
				i++
				for i < len(lines) && !strings.HasPrefix(lines[i], "@@ ") {
					if strings.HasPrefix(lines[i], "diff --git ") || strings.HasPrefix(lines[i], "--- ") {
						break
					}
					hunk.Lines = append(hunk.Lines, lines[i])
					i++
				}
				fp.Hunks = append(fp.Hunks, hunk)
				continue
			}
			i++
		}
		patches = append(patches, fp)
	}

	if strings.TrimSpace(text) != "" && len(patches) == 0 {
		return nil, fmt.Errorf("%w: no file patches found", domain.ErrPatchApply)
	}
	return patches, nil
}

// Target returns the repository-relative path a patch touches and its kind.
func (fp FilePatch) Target() (string, Kind, error) {
	oldNull := fp.OldPath == "/dev/null"
	newNull := fp.NewPath == "/dev/null"
	switch {
	case oldNull && newNull:
		return "", "", fmt.Errorf("%w: both paths are /dev/null", domain.ErrPatchApply)
	case oldNull:
		return stripPrefix(fp.NewPath), KindAdd, nil
	case newNull:
		return stripPrefix(fp.OldPath), KindDelete, nil
	}
	oldRel := stripPrefix(fp.OldPath)
	newRel := stripPrefix(fp.NewPath)
	if oldRel != newRel {
		return "", "", fmt.Errorf("%w: rename %s -> %s not supported", domain.ErrPatchApply, oldRel, newRel)
	}
	return oldRel, KindModify, nil
}

// Apply rewrites original through the patch's hunks, checking context and
// deletion lines against the file as it stands.
func Apply(original string, hunks []Hunk) (string, error) {
	hadTrailingNewline := strings.HasSuffix(original, "\n")
	var lines []string
	if original != "" {
		lines = strings.Split(strings.TrimSuffix(original, "\n"), "\n")
	}
	delta := 0

	for _, hunk := range hunks {
		expectedOld, expectedNew := 0, 0
		for _, hl := range hunk.Lines {
			if hl == `\ No newline at end of file` {
				continue
			}
			if strings.HasPrefix(hl, " ") || strings.HasPrefix(hl, "-") {
				expectedOld++
			}
			if strings.HasPrefix(hl, " ") || strings.HasPrefix(hl, "+") {
				expectedNew++
			}
		}
		if expectedOld != hunk.OldCount || expectedNew != hunk.NewCount {
			return "", fmt.Errorf("%w: hunk line counts do not match header", domain.ErrPatchApply)
		}

		idx := hunk.OldStart - 1 + delta
		if hunk.OldCount == 0 {
			// Pure insertion hunks address the line before the insertion point.
			idx = hunk.OldStart + delta
		}
		if idx < 0 || idx > len(lines) {
			return "", fmt.Errorf("%w: hunk start out of range", domain.ErrPatchApply)
		}

		for _, hl := range hunk.Lines {
			if hl == `\ No newline at end of file` {
				continue
			}
			if hl == "" {
				return "", fmt.Errorf("%w: malformed hunk line", domain.ErrPatchApply)
			}
			tag, text := hl[0], hl[1:]
			switch tag {
			case ' ':
				if idx >= len(lines) || lines[idx] != text {
					return "", fmt.Errorf("%w: context mismatch", domain.ErrPatchApply)
				}
				idx++
			case '-':
				if idx >= len(lines) || lines[idx] != text {
					return "", fmt.Errorf("%w: delete mismatch", domain.ErrPatchApply)
				}
				lines = append(lines[:idx], lines[idx+1:]...)
				delta--
			case '+':
				lines = append(lines[:idx], append([]string{text}, lines[idx:]...)...)
				idx++
				delta++
			default:
				return "", fmt.Errorf("%w: unknown hunk tag %q", domain.ErrPatchApply, tag)
			}
		}
	}

	out := strings.Join(lines, "\n")
	if len(lines) > 0 && hadTrailingNewline {
		out += "\n"
	}
	return out, nil
}

// Stats counts the files touched and changed lines in a diff, for the
// pre-apply limit checks.
func Stats(patches []FilePatch) (files int, changedLines int) {
	for _, fp := range patches {
		files++
		for _, hunk := range fp.Hunks {
			for _, hl := range hunk.Lines {
				if strings.HasPrefix(hl, "+") || strings.HasPrefix(hl, "-") {
					changedLines++
				}
			}
		}
	}
	return files, changedLines
}

func stripPrefix(p string) string {
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	return p
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
