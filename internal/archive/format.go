package archive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rowjay/report-backup/internal/compress"
)

const (
	FormatTar = "tar"
	FormatZip = "zip"

	encryptedSuffix = ".enc"
)

var ErrUnknownFormat = errors.New("unrecognised artifact format")

// Format describes how an artifact is laid out on disk.
type Format struct {
	Container   string // tar or zip
	Compression string // tar only
	Encrypted   bool   // tar only
}

func (f Format) Validate() error {
	switch f.Container {
	case FormatTar:
		if !compress.Valid(f.Compression) {
			return fmt.Errorf("unsupported compression: %s", f.Compression)
		}
	case FormatZip:
		if f.Encrypted {
			return errors.New("encryption requires the tar format")
		}
	default:
		return fmt.Errorf("unsupported archive format: %s", f.Container)
	}
	return nil
}

// Extension is the artifact suffix without the leading dot, e.g. "tar.zst.enc".
func (f Format) Extension() string {
	if f.Container == FormatZip {
		return "zip"
	}
	ext := "tar"
	if c := compress.Extension(f.Compression); c != "" {
		ext += "." + c
	}
	if f.Encrypted {
		ext += encryptedSuffix
	}
	return ext
}

// FormatOf derives the format from an artifact file name.
func FormatOf(name string) (Format, error) {
	var f Format
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, encryptedSuffix) {
		f.Encrypted = true
		lower = strings.TrimSuffix(lower, encryptedSuffix)
	}
	switch {
	case strings.HasSuffix(lower, ".zip") && !f.Encrypted:
		f.Container = FormatZip
		return f, nil
	case strings.HasSuffix(lower, ".tar"):
		f.Container, f.Compression = FormatTar, compress.TypeNone
		return f, nil
	case strings.HasSuffix(lower, ".tgz"):
		f.Container, f.Compression = FormatTar, compress.TypeGzip
		return f, nil
	}
	if i := strings.LastIndex(lower, ".tar."); i >= 0 {
		if codec, ok := compress.FromExtension(lower[i+len(".tar."):]); ok {
			f.Container, f.Compression = FormatTar, codec
			return f, nil
		}
	}
	return Format{}, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
}
