package util

import (
	"path"
	"strings"
	"time"
)

// ObjectKey builds the remote key for an artifact: <prefix>/<yyyy>/<mm>/<file>.
func ObjectKey(prefix string, createdAt time.Time, file string) string {
	parts := []string{}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	utc := createdAt.UTC()
	parts = append(parts, utc.Format("2006"), utc.Format("01"), path.Base(file))
	return path.Join(parts...)
}
