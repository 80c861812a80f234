package collect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/backup"
)

// Category is one configured source tree. Patterns are doublestar globs matched
// against slash separated paths relative to Source; no patterns means everything.
type Category struct {
	Name     string
	Source   string
	Patterns []string
}

func (c Category) Validate() error {
	if c.Name == "" || c.Name == "." || c.Name == ".." || strings.ContainsAny(c.Name, `/\`) {
		return fmt.Errorf("invalid category name %q", c.Name)
	}
	if c.Source == "" {
		return fmt.Errorf("category %s: source is required", c.Name)
	}
	for _, p := range c.Patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("category %s: invalid pattern %q", c.Name, p)
		}
	}
	return nil
}

// recursive reports whether any pattern can match below the source's top level.
func (c Category) recursive() bool {
	if len(c.Patterns) == 0 {
		return true
	}
	for _, p := range c.Patterns {
		if strings.Contains(p, "/") || strings.Contains(p, "**") {
			return true
		}
	}
	return false
}

func (c Category) matches(rel string) (bool, error) {
	if len(c.Patterns) == 0 {
		return true, nil
	}
	for _, p := range c.Patterns {
		ok, err := doublestar.Match(p, rel)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Collector copies configured categories into a staging directory.
type Collector struct {
	fs         afero.Fs
	categories []Category
	exclude    []string
	log        zerolog.Logger
}

// New validates categories. Paths in exclude (typically the backup root) are
// never descended into.
func New(fs afero.Fs, categories []Category, log zerolog.Logger, exclude ...string) (*Collector, error) {
	seen := map[string]bool{}
	for _, c := range categories {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate category %q", c.Name)
		}
		seen[c.Name] = true
	}
	ex := make([]string, 0, len(exclude))
	for _, p := range exclude {
		if p != "" {
			ex = append(ex, absPath(p))
		}
	}
	return &Collector{
		fs:         fs,
		categories: append([]Category(nil), categories...),
		exclude:    ex,
		log:        log.With().Str("component", "collector").Logger(),
	}, nil
}

// Collect copies every category into stagingDir/<category>/ and returns the
// staged paths in copy order. Absent sources are skipped. Any other failure,
// including a cancelled context, aborts the whole collection.
func (c *Collector) Collect(ctx context.Context, stagingDir string) ([]string, error) {
	var files []string
	for _, cat := range c.categories {
		info, err := c.fs.Stat(cat.Source)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				c.log.Debug().Str("category", cat.Name).Str("source", cat.Source).Msg("source absent, skipping")
				continue
			}
			return nil, backup.WrapIO("stat source", cat.Source, err)
		}
		if !info.IsDir() {
			return nil, backup.WrapIO("collect", cat.Source, errors.New("source is not a directory"))
		}

		copied, err := c.collectCategory(ctx, cat, stagingDir)
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", cat.Name, err)
		}
		c.log.Debug().Str("category", cat.Name).Int("files", len(copied)).Msg("category collected")
		files = append(files, copied...)
	}
	return files, nil
}

func (c *Collector) collectCategory(ctx context.Context, cat Category, stagingDir string) ([]string, error) {
	var files []string
	recursive := cat.recursive()
	root := filepath.Clean(cat.Source)

	err := afero.Walk(c.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return backup.WrapIO("walk", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			if path != root && (!recursive || c.excluded(path)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		ok, err := cat.matches(rel)
		if err != nil || !ok {
			return err
		}

		staged := cat.Name + "/" + rel
		if err := c.copyFile(path, filepath.Join(stagingDir, filepath.FromSlash(staged)), info); err != nil {
			return err
		}
		files = append(files, staged)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Collector) excluded(path string) bool {
	abs := absPath(path)
	for _, ex := range c.exclude {
		if abs == ex {
			return true
		}
	}
	return false
}

func (c *Collector) copyFile(src, dst string, info os.FileInfo) error {
	if err := c.fs.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return backup.WrapIO("create directory", filepath.Dir(dst), err)
	}
	in, err := c.fs.Open(src)
	if err != nil {
		return backup.WrapIO("open", src, err)
	}
	defer in.Close()

	out, err := c.fs.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm()|0o200)
	if err != nil {
		return backup.WrapIO("create", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return backup.WrapIO("copy", src, err)
	}
	if err := out.Close(); err != nil {
		return backup.WrapIO("copy", src, err)
	}
	if err := c.fs.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		c.log.Debug().Err(err).Str("path", dst).Msg("could not preserve modification time")
	}
	return nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
