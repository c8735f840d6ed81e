package validation

import (
	"fmt"
	"path"
	"strings"

	derrors "depot/internal/errors"
)

const maxNameLen = 255

// ValidateName checks a project or branch name. Names may contain '/' to
// group branches but never ':' since it separates key segments.
func ValidateName(kind, name string) error {
	if name == "" {
		return derrors.ValidationError(fmt.Sprintf("%s name is required", kind), nil)
	}
	if len(name) > maxNameLen {
		return derrors.ValidationError(fmt.Sprintf("%s name too long", kind), name)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return derrors.ValidationError(fmt.Sprintf("invalid %s name: %q", kind, name), name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") {
		return derrors.ValidationError(fmt.Sprintf("invalid %s name: %q", kind, name), name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/':
		default:
			return derrors.ValidationError(fmt.Sprintf("invalid character %q in %s name", r, kind), name)
		}
	}
	return nil
}

// CleanPath normalizes a workspace-relative slash path and rejects anything
// that would escape the checkout root.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "", derrors.ValidationError("path is required", nil)
	}
	if strings.HasPrefix(p, "/") {
		return "", derrors.ValidationError(fmt.Sprintf("path must be relative: %s", p), p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", derrors.ValidationError(fmt.Sprintf("path escapes the checkout: %s", p), p)
	}
	if strings.ContainsRune(clean, 0) {
		return "", derrors.ValidationError("path contains NUL", p)
	}
	return clean, nil
}

// RequireText rejects empty or whitespace-only values such as commit messages.
func RequireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return derrors.ValidationError(fmt.Sprintf("%s is required", field), nil)
	}
	return nil
}
