package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/compress"
	"github.com/rowjay/report-backup/internal/cryptoutil"
)

var ErrMissingKey = errors.New("artifact is encrypted but no key was provided")

// Entry is one member of an artifact.
type Entry struct {
	Name    string // slash separated, relative to the staging root
	Mode    fs.FileMode
	ModTime time.Time
	Size    int64
	IsDir   bool
}

// Visit is called for each entry. body is nil for directories and is only valid
// until Visit returns.
type Visit func(entry Entry, body io.Reader) error

// Walk reads the artifact at path, dispatching on its file name, and calls visit
// for every directory and regular file entry in archive order.
func Walk(ctx context.Context, fsys afero.Fs, path string, key []byte, visit Visit) error {
	format, err := FormatOf(filepath.Base(path))
	if err != nil {
		return err
	}
	f, err := fsys.Open(path)
	if err != nil {
		return backup.WrapIO("open artifact", path, err)
	}
	defer f.Close()

	if format.Container == FormatZip {
		info, err := f.Stat()
		if err != nil {
			return backup.WrapIO("stat artifact", path, err)
		}
		return walkZip(ctx, f, info.Size(), visit)
	}
	return walkTar(ctx, f, format, key, visit)
}

func walkTar(ctx context.Context, src io.Reader, format Format, key []byte, visit Visit) error {
	r := src
	if format.Encrypted {
		if len(key) == 0 {
			return ErrMissingKey
		}
		dec, err := cryptoutil.DecryptReader(r, key)
		if err != nil {
			return fmt.Errorf("init decryption: %w", err)
		}
		r = dec
	}
	decomp, err := compress.WrapReader(format.Compression, r)
	if err != nil {
		return err
	}
	defer decomp.Close()

	tr := tar.NewReader(decomp)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		// Unsafe names still come with a usable header; callers validate names.
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return backup.WrapIO("read archive", "", err)
		}
		entry := Entry{Name: hdr.Name, Mode: hdr.FileInfo().Mode(), ModTime: hdr.ModTime, Size: hdr.Size}
		switch hdr.Typeflag {
		case tar.TypeDir:
			entry.IsDir = true
			if err := visit(entry, nil); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := visit(entry, tr); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported entry type %q for %s", hdr.Typeflag, hdr.Name)
		}
	}
}

func walkZip(ctx context.Context, src io.ReaderAt, size int64, visit Visit) error {
	zr, err := zip.NewReader(src, size)
	if err != nil {
		return backup.WrapIO("read archive", "", err)
	}
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		info := zf.FileInfo()
		entry := Entry{Name: zf.Name, Mode: info.Mode(), ModTime: zf.Modified, Size: int64(zf.UncompressedSize64)}
		if info.IsDir() {
			entry.IsDir = true
			if err := visit(entry, nil); err != nil {
				return err
			}
			continue
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("unsupported entry type for %s", zf.Name)
		}
		if err := visitZipFile(zf, entry, visit); err != nil {
			return err
		}
	}
	return nil
}

func visitZipFile(zf *zip.File, entry Entry, visit Visit) error {
	rc, err := zf.Open()
	if err != nil {
		return backup.WrapIO("open entry", zf.Name, err)
	}
	defer rc.Close()
	return visit(entry, rc)
}
