// Package shared holds the value types passed between the store, the workspace
// and the command line.
package shared

import "sort"

// ChangeType tags a single entry of a change-set.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// FileState is one live file of a tree: which identity sits at which path
// with which content.
type FileState struct {
	FileID string `json:"file_id"`
	Path   string `json:"path"`
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
	Lines  int    `json:"lines"`
	Binary bool   `json:"binary"`
	Mode   uint32 `json:"mode,omitempty"`
}

// Change is a single entry of a commit or of the workspace diff.
type Change struct {
	Path    string     `json:"path"`
	Type    ChangeType `json:"type"`
	OldPath string     `json:"old_path,omitempty"`
	OldHash string     `json:"old_hash,omitempty"`
	NewHash string     `json:"new_hash,omitempty"`
	FileID  string     `json:"file_id,omitempty"`
	Size    int64      `json:"size"`
	Lines   int        `json:"lines"`
	Binary  bool       `json:"binary"`
	Mode    uint32     `json:"mode,omitempty"`
	Staged  bool       `json:"staged"`
}

// Paths returns every path the change touches, including the source of a rename.
func (c Change) Paths() []string {
	if c.OldPath != "" && c.OldPath != c.Path {
		return []string{c.Path, c.OldPath}
	}
	return []string{c.Path}
}

// State returns the file state the change leaves behind at c.Path.
func (c Change) State() FileState {
	return FileState{
		FileID: c.FileID,
		Path:   c.Path,
		Hash:   c.NewHash,
		Size:   c.Size,
		Lines:  c.Lines,
		Binary: c.Binary,
		Mode:   c.Mode,
	}
}

// Tree is the full set of live file states of a commit, keyed by path.
type Tree map[string]FileState

// Sorted returns the file states ordered by path.
func (t Tree) Sorted() []FileState {
	out := make([]FileState, 0, len(t))
	for _, fs := range t {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Clone returns a shallow copy of the tree.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for p, fs := range t {
		out[p] = fs
	}
	return out
}

// SortChanges orders changes by path.
func SortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
}
