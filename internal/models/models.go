// Package models maps request model names to whisper.cpp weight files.
// Parsing a name is pure; resolving it to a file on disk is a separate step.
package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Name identifies one of the supported ggml model sizes
type Name string

const (
	Tiny   Name = "tiny"
	Base   Name = "base"
	Small  Name = "small"
	Medium Name = "medium"
	Large  Name = "large"
)

// DefaultDir is where weight files are looked up when no directory is configured
const DefaultDir = "./models"

var (
	// ErrUnknownModel is returned by Parse for names outside the supported set
	ErrUnknownModel = errors.New("invalid model")

	// ErrModelNotFound is returned by Resolve when the weight file is missing
	ErrModelNotFound = errors.New("model file not found")
)

var all = []Name{Tiny, Base, Small, Medium, Large}

// All returns the supported model names in size order
func All() []Name {
	names := make([]Name, len(all))
	copy(names, all)
	return names
}

// Names returns All as plain strings, for error messages and API docs
func Names() []string {
	names := make([]string, len(all))
	for i, n := range all {
		names[i] = string(n)
	}
	return names
}

// Parse converts a request value into a Name. Matching is case-insensitive
// and ignores surrounding whitespace.
func Parse(s string) (Name, error) {
	candidate := Name(strings.ToLower(strings.TrimSpace(s)))
	for _, n := range all {
		if n == candidate {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w [%s]: %q", ErrUnknownModel, strings.Join(Names(), ", "), s)
}

// String implements fmt.Stringer
func (n Name) String() string {
	return string(n)
}

// FileName returns the ggml weight file name for the model
func (n Name) FileName() string {
	return fmt.Sprintf("ggml-%s.bin", n)
}

// Resolver locates weight files inside a models directory
type Resolver struct {
	Dir string
}

// NewResolver returns a Resolver for dir, falling back to DefaultDir
func NewResolver(dir string) Resolver {
	if dir == "" {
		dir = DefaultDir
	}
	return Resolver{Dir: dir}
}

// Path returns the expected location of the weight file without touching the filesystem
func (r Resolver) Path(n Name) string {
	dir := r.Dir
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, n.FileName())
}

// Resolve returns the weight file path for n after checking that it exists
// and is a regular file.
func (r Resolver) Resolve(n Name) (string, error) {
	path := r.Path(n)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w, run `make pull`: %s (%s); acceptable models: %s",
			ErrModelNotFound, n, path, strings.Join(Names(), ", "))
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory; acceptable models: %s",
			ErrModelNotFound, path, strings.Join(Names(), ", "))
	}
	return path, nil
}

// Available returns the models whose weight files are present, in size order
func (r Resolver) Available() []Name {
	var names []Name
	for _, n := range all {
		if _, err := r.Resolve(n); err == nil {
			names = append(names, n)
		}
	}
	return names
}

// NameForFile maps a weight file name back to its model. It reports false
// for files that do not follow the ggml-<name>.bin convention.
func NameForFile(fileName string) (Name, bool) {
	base := filepath.Base(fileName)
	for _, n := range all {
		if base == n.FileName() {
			return n, true
		}
	}
	return "", false
}
