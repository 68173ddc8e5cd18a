package substrate

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/strata/internal/errs"
)

// Local is a filesystem-backed Substrate. Keys map to paths rooted at Root;
// PutIfAbsent is implemented with O_CREAT|O_EXCL, the local equivalent of a
// conditional put.
type Local struct {
	Root string

	mu sync.Mutex // serializes directory creation races, not the CAS itself
}

// NewLocal returns a Local substrate rooted at root. The directory is
// created if it does not exist.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.New(errs.SubstrateTerminal, "substrate.NewLocal", err)
	}
	return &Local{Root: root}, nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(key))
}

func (l *Local) Put(ctx context.Context, key string, data []byte) error {
	p := l.path(key)
	if err := l.ensureDir(p); err != nil {
		return err
	}
	tmp := p + ".tmp-" + filepath.Base(p)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return classifyFSErr("substrate.Put", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return classifyFSErr("substrate.Put", key, err)
	}
	return nil
}

func (l *Local) PutIfAbsent(ctx context.Context, key string, data []byte) (PutResult, error) {
	p := l.path(key)
	if err := l.ensureDir(p); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return AlreadyExists, nil
		}
		return 0, classifyFSErr("substrate.PutIfAbsent", key, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return 0, classifyFSErr("substrate.PutIfAbsent", key, err)
	}
	return Created, nil
}

func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.NotFound, "substrate.Get", err).WithFileID(key)
		}
		return nil, classifyFSErr("substrate.Get", key, err)
	}
	return data, nil
}

// List returns every key with the given prefix, matching S3's List semantics
// (a plain string-prefix match over the full key, not just a directory's
// immediate children) so callers can use one Substrate contract regardless
// of backend.
func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	target := l.path(prefix)
	walkRoot := target
	if !strings.HasSuffix(prefix, "/") {
		walkRoot = filepath.Dir(target)
	}

	var keys []string
	err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasPrefix(p, target) {
			return nil
		}
		rel, relErr := filepath.Rel(l.Root, p)
		if relErr != nil {
			return nil
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, classifyFSErr("substrate.List", prefix, err)
	}
	return keys, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyFSErr("substrate.Delete", key, err)
	}
	return nil
}

func (l *Local) ensureDir(p string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errs.New(errs.SubstrateTerminal, "substrate.ensureDir", err)
	}
	return nil
}

func classifyFSErr(op, key string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return errs.New(errs.SubstrateTerminal, op, err).WithFileID(key)
	}
	return errs.New(errs.SubstrateRetryable, op, err).WithFileID(key)
}
