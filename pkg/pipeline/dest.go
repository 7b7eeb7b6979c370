package pipeline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ngld/assetflow/pkg/buildlog"
)

type destStage struct {
	dir string
}

// Dest writes every file below dir, keeping its path relative to the glob base. Written files are
// passed on with their new location.
func Dest(dir string) Stage {
	return &destStage{dir: filepath.Clean(dir)}
}

func (d *destStage) Name() string { return "dest" }

func (d *destStage) Descriptor() Descriptor {
	return Descriptor{Name: "dest", Options: map[string]interface{}{"path": d.dir}}
}

func (d *destStage) Transform(ctx context.Context, file *File) ([]*File, error) {
	target := filepath.Join(d.dir, file.Relative())
	mode := file.Mode
	if mode == 0 {
		mode = 0644
	}

	err := WriteFileAtomic(target, file.Contents, mode)
	if err != nil {
		return nil, err
	}

	buildlog.Log(ctx).Debug().Str("path", target).Msgf("wrote %s", target)

	out := file.Clone()
	out.Base = d.dir
	out.Path = target
	return []*File{out}, nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames it into place so
// that readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return fsError("create directory", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fsError("create", path, err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(mode)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fsError("write", path, err)
	}

	err = os.Rename(tmpName, path)
	if err != nil {
		os.Remove(tmpName)
		return fsError("rename", path, err)
	}
	return nil
}
