package pipeline

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// File is a single entry travelling through a pipeline.
type File struct {
	// Base is the static part of the glob that selected this file. Destinations preserve the path
	// below Base.
	Base string
	// Path is the absolute path of the file. After Dest it points to the written file.
	Path     string
	Contents []byte
	Mode     fs.FileMode
	ModTime  time.Time
}

// Relative returns the path of the file relative to its glob base.
func (f *File) Relative() string {
	rel, err := filepath.Rel(f.Base, f.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(f.Path)
	}
	return rel
}

// Ext returns the lower case extension of the file including the leading dot.
func (f *File) Ext() string {
	return strings.ToLower(filepath.Ext(f.Path))
}

// WithExt returns a copy of the file whose path uses the given extension.
func (f *File) WithExt(ext string) *File {
	clone := f.Clone()
	clone.Path = strings.TrimSuffix(f.Path, filepath.Ext(f.Path)) + ext
	return clone
}

// Clone returns a shallow copy of the file. The contents buffer is shared.
func (f *File) Clone() *File {
	clone := *f
	return &clone
}
