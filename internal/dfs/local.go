package dfs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/kettlelinna/shuttle/internal/common"
)

// Local implementa FileSystem sobre el sistema de archivos del nodo.
// Es el backend de los tests y de despliegues con un DFS montado (p.ej.
// un punto de montaje FUSE); el contrato de rename atomico lo da el SO.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Create(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(common.ErrDfs, "mkdir %s: %v", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(common.ErrDfs, "create %s: %v", path, err)
	}
	return f, nil
}

func (l *Local) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(common.ErrDfs, "open %s: %v", path, err)
	}
	return f, nil
}

func (l *Local) List(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(common.ErrDfs, "list %s: %v", dir, err)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue // la entrada desaparecio entre ReadDir e Info
		}
		infos = append(infos, FileInfo{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    fi.Size(),
			ModTime: fi.ModTime().UnixMilli(),
			IsDir:   e.IsDir(),
		})
	}
	return infos, nil
}

func (l *Local) Rename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(common.ErrDfs, "rename %s -> %s: %v", src, dst, err)
	}
	return nil
}

func (l *Local) Delete(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(common.ErrDfs, "delete %s: %v", path, err)
	}
	return nil
}

func (l *Local) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(common.ErrDfs, "stat %s: %v", path, err)
}

func (l *Local) MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(common.ErrDfs, "mkdir %s: %v", dir, err)
	}
	return nil
}
