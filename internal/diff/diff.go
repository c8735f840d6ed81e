// internal/diff/diff.go
package diff

import (
	"bytes"
	"fmt"
	"strings"
)

// maxCells bounds the LCS table. Larger inputs are reported as a single
// replacement hunk.
const maxCells = 16 << 20

// Line represents a single line in a diff with its type and content
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// DiffResult contains the complete diff information
type DiffResult struct {
	Path   string
	Binary bool
	Hunks  []Hunk
	Stats  struct {
		Additions int
		Deletions int
		Changes   int
	}
}

// Hunk represents a continuous section of changes
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
}

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{
		contextLines: contextLines,
	}
}

// Diff generates a line-by-line diff between two contents
func (e *Engine) Diff(oldContent, newContent []byte) (*DiffResult, error) {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	result := &DiffResult{}
	script := e.editScript(oldLines, newLines)
	result.Hunks = e.group(script)

	for _, l := range script {
		switch l.Type {
		case Addition:
			result.Stats.Additions++
		case Deletion:
			result.Stats.Deletions++
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions
	return result, nil
}

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// editScript walks a suffix LCS table front to back and emits every line of
// both inputs exactly once.
func (e *Engine) editScript(oldLines, newLines [][]byte) []Line {
	n, m := len(oldLines), len(newLines)
	if n*m > maxCells {
		return replaceAll(oldLines, newLines)
	}

	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if bytes.Equal(oldLines[i], newLines[j]) {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	script := make([]Line, 0, n+m)
	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && bytes.Equal(oldLines[i], newLines[j]):
			script = append(script, Line{Type: Context, Content: string(oldLines[i]), OldNum: i + 1, NewNum: j + 1})
			i++
			j++
		case j < m && (i == n || lcs[i][j+1] >= lcs[i+1][j]):
			script = append(script, Line{Type: Addition, Content: string(newLines[j]), NewNum: j + 1})
			j++
		default:
			script = append(script, Line{Type: Deletion, Content: string(oldLines[i]), OldNum: i + 1})
			i++
		}
	}
	return reorder(script)
}

// reorder puts deletions before additions inside each run of changes.
func reorder(script []Line) []Line {
	out := make([]Line, 0, len(script))
	var dels, adds []Line
	flush := func() {
		out = append(out, dels...)
		out = append(out, adds...)
		dels, adds = dels[:0], adds[:0]
	}
	for _, l := range script {
		switch l.Type {
		case Deletion:
			dels = append(dels, l)
		case Addition:
			adds = append(adds, l)
		default:
			flush()
			out = append(out, l)
		}
	}
	flush()
	return out
}

func replaceAll(oldLines, newLines [][]byte) []Line {
	script := make([]Line, 0, len(oldLines)+len(newLines))
	for i, l := range oldLines {
		script = append(script, Line{Type: Deletion, Content: string(l), OldNum: i + 1})
	}
	for j, l := range newLines {
		script = append(script, Line{Type: Addition, Content: string(l), NewNum: j + 1})
	}
	return script
}

// group cuts the edit script into hunks, keeping contextLines of context
// around changes and merging hunks whose context would overlap.
func (e *Engine) group(script []Line) []Hunk {
	var changed []int
	for idx, l := range script {
		if l.Type != Context {
			changed = append(changed, idx)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	var hunks []Hunk
	start := max(changed[0]-e.contextLines, 0)
	end := min(changed[0]+e.contextLines, len(script)-1)
	for _, idx := range changed[1:] {
		if idx-e.contextLines <= end+1 {
			end = min(idx+e.contextLines, len(script)-1)
			continue
		}
		hunks = append(hunks, newHunk(script, start, end))
		start = max(idx-e.contextLines, 0)
		end = min(idx+e.contextLines, len(script)-1)
	}
	return append(hunks, newHunk(script, start, end))
}

func newHunk(script []Line, start, end int) Hunk {
	h := Hunk{Lines: append([]Line(nil), script[start:end+1]...)}

	// lines of each side consumed before the hunk
	oldBefore, newBefore := 0, 0
	for _, l := range script[:start] {
		if l.Type != Addition {
			oldBefore++
		}
		if l.Type != Deletion {
			newBefore++
		}
	}
	for _, l := range h.Lines {
		if l.Type != Addition {
			h.OldLines++
		}
		if l.Type != Deletion {
			h.NewLines++
		}
	}
	h.OldStart = oldBefore
	if h.OldLines > 0 {
		h.OldStart++
	}
	h.NewStart = newBefore
	if h.NewLines > 0 {
		h.NewStart++
	}
	return h
}

// Format renders the result as a unified diff body.
func (e *Engine) Format(result *DiffResult) string {
	var buf strings.Builder
	if result.Binary {
		fmt.Fprintf(&buf, "Binary file %s differs\n", result.Path)
		return buf.String()
	}
	for _, hunk := range result.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteString("+")
			case Deletion:
				buf.WriteString("-")
			default:
				buf.WriteString(" ")
			}
			buf.WriteString(line.Content)
			buf.WriteString("\n")
		}
	}
	return buf.String()
}
