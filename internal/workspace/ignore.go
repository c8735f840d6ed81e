// internal/workspace/ignore.go
package workspace

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFile is read from the checkout root.
const IgnoreFile = ".depotignore"

// IgnoreChecker decides which workspace paths take no part in diffs.
// Last matching pattern wins, so later "!pattern" lines re-include.
type IgnoreChecker struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern  string
	negated  bool
	dirOnly  bool
	hasSlash bool // match against the full path instead of the base name
}

// NewIgnoreChecker combines the given default patterns with root/.depotignore.
func NewIgnoreChecker(root string, defaults []string) *IgnoreChecker {
	ic := &IgnoreChecker{}
	for _, line := range defaults {
		if p := parseLine(line); p != nil {
			ic.patterns = append(ic.patterns, *p)
		}
	}

	if root == "" {
		return ic
	}
	f, err := os.Open(filepath.Join(root, IgnoreFile))
	if err != nil {
		return ic
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if p := parseLine(scanner.Text()); p != nil {
			ic.patterns = append(ic.patterns, *p)
		}
	}
	return ic
}

func parseLine(line string) *ignorePattern {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	p := &ignorePattern{}
	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	line = strings.TrimPrefix(line, "/")
	if line == "" {
		return nil
	}
	p.hasSlash = strings.Contains(line, "/")
	p.pattern = line
	return p
}

func (p ignorePattern) match(rel string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	if p.hasSlash {
		ok, _ := path.Match(p.pattern, rel)
		return ok
	}
	ok, _ := path.Match(p.pattern, path.Base(rel))
	return ok
}

// IsIgnored reports whether the slash-separated relative path is ignored.
// A file inside an ignored directory is ignored too.
func (ic *IgnoreChecker) IsIgnored(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return false
	}

	// check ancestors first so a re-included directory can be ignored again below
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if ic.matchOne(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return ic.matchOne(rel, isDir)
}

func (ic *IgnoreChecker) matchOne(rel string, isDir bool) bool {
	ignored := false
	for _, p := range ic.patterns {
		if p.match(rel, isDir) {
			ignored = !p.negated
		}
	}
	return ignored
}
