package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rfratto/viofs/internal/fine/memfs"
)

// seedHost copies the tree at dir into host. Regular files, directories and
// symlinks are copied; anything else is skipped. Returns the number of
// entries copied.
func seedHost(host *memfs.FS, dir string) (int, error) {
	var n int
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			err = host.MkdirAll(rel, info.Mode())
		case d.Type()&fs.ModeSymlink != 0:
			var target string
			target, err = os.Readlink(p)
			if err == nil {
				err = host.AddSymlink(rel, filepath.ToSlash(target))
			}
		case d.Type().IsRegular():
			var data []byte
			data, err = os.ReadFile(p)
			if err == nil {
				err = host.WriteFile(rel, data, info.Mode())
			}
		default:
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		n++
		return nil
	})
	return n, err
}
