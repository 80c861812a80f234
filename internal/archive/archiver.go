package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/compress"
	"github.com/rowjay/report-backup/internal/cryptoutil"
)

const partialSuffix = ".partial"

// Archiver packs a staging tree into a single artifact file.
type Archiver struct {
	fs     afero.Fs
	format Format
	key    []byte
	log    zerolog.Logger
}

// New returns an Archiver writing artifacts in format. key is required when the
// format is encrypted.
func New(fs afero.Fs, format Format, key []byte, log zerolog.Logger) (*Archiver, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if format.Encrypted && len(key) != cryptoutil.KeySize {
		return nil, errors.New("encryption is enabled but no valid key was provided")
	}
	return &Archiver{
		fs:     fs,
		format: format,
		key:    key,
		log:    log.With().Str("component", "archiver").Logger(),
	}, nil
}

func (a *Archiver) Format() Format { return a.format }

// Create writes the contents of stagingDir to dest and returns the artifact size.
// Entry names are relative to stagingDir. The artifact is written under a
// temporary name and renamed into place, so dest never holds a partial file.
func (a *Archiver) Create(ctx context.Context, stagingDir, dest string) (size int64, err error) {
	if ok, _ := afero.Exists(a.fs, dest); ok {
		return 0, backup.WrapIO("create artifact", dest, os.ErrExist)
	}
	tmp := dest + partialSuffix
	f, err := a.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, backup.WrapIO("create artifact", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			if rmErr := a.fs.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				a.log.Warn().Err(rmErr).Str("path", tmp).Msg("could not remove partial artifact")
			}
		}
	}()

	if a.format.Container == FormatZip {
		err = a.writeZip(ctx, f, stagingDir)
	} else {
		err = a.writeTar(ctx, f, stagingDir)
	}
	if err != nil {
		return 0, err
	}

	if err = f.Sync(); err != nil {
		return 0, backup.WrapIO("sync artifact", tmp, err)
	}
	if err = f.Close(); err != nil {
		return 0, backup.WrapIO("close artifact", tmp, err)
	}
	if err = a.fs.Rename(tmp, dest); err != nil {
		return 0, backup.WrapIO("rename artifact", dest, err)
	}
	info, err := a.fs.Stat(dest)
	if err != nil {
		_ = a.fs.Remove(dest)
		return 0, backup.WrapIO("stat artifact", dest, err)
	}
	return info.Size(), nil
}

// writeTar layers tar over the codec over the optional cipher. Layers are closed
// innermost first so every trailer is flushed before the file is synced.
func (a *Archiver) writeTar(ctx context.Context, out io.Writer, stagingDir string) error {
	var closers []io.Closer
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && first == nil {
				first = err
			}
		}
		closers = nil
		return first
	}

	w := out
	if a.format.Encrypted {
		enc, err := cryptoutil.EncryptWriter(w, a.key)
		if err != nil {
			return fmt.Errorf("init encryption: %w", err)
		}
		closers = append(closers, enc)
		w = enc
	}
	comp, err := compress.WrapWriter(a.format.Compression, w)
	if err != nil {
		_ = closeAll()
		return err
	}
	closers = append(closers, comp)
	tw := tar.NewWriter(comp)
	closers = append(closers, tw)

	walkErr := a.walk(ctx, stagingDir, func(rel string, info os.FileInfo, src afero.File) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return backup.WrapIO("write header", rel, err)
		}
		if src == nil {
			return nil
		}
		if _, err := io.Copy(tw, src); err != nil {
			return backup.WrapIO("compress", rel, err)
		}
		return nil
	})
	closeErr := closeAll()
	if walkErr != nil {
		return walkErr
	}
	if closeErr != nil {
		return backup.WrapIO("finish archive", "", closeErr)
	}
	return nil
}

func (a *Archiver) writeZip(ctx context.Context, out io.Writer, stagingDir string) error {
	zw := zip.NewWriter(out)
	walkErr := a.walk(ctx, stagingDir, func(rel string, info os.FileInfo, src afero.File) error {
		fh, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		fh.Name = rel
		fh.Method = zip.Deflate
		if info.IsDir() {
			fh.Name += "/"
			fh.Method = zip.Store
		}
		w, err := zw.CreateHeader(fh)
		if err != nil {
			return backup.WrapIO("write header", rel, err)
		}
		if src == nil {
			return nil
		}
		if _, err := io.Copy(w, src); err != nil {
			return backup.WrapIO("compress", rel, err)
		}
		return nil
	})
	closeErr := zw.Close()
	if walkErr != nil {
		return walkErr
	}
	if closeErr != nil {
		return backup.WrapIO("finish archive", "", closeErr)
	}
	return nil
}

// walk visits every entry below root in lexical order. src is nil for directories.
func (a *Archiver) walk(ctx context.Context, root string, fn func(rel string, info os.FileInfo, src afero.File) error) error {
	return afero.Walk(a.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return backup.WrapIO("walk", path, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			return fn(rel, info, nil)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := a.fs.Open(path)
		if err != nil {
			return backup.WrapIO("open", path, err)
		}
		defer src.Close()
		return fn(rel, info, src)
	})
}
