package pending

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*&\x00-\x1f]`)

const (
	maxPartLength     = 50
	maxFilenameLength = 100
	timestampLayout   = "20060102_150405"
)

// SanitizeFileName makes s safe to use as a file name on common filesystems.
func SanitizeFileName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ". ")
	return truncate(s, maxFilenameLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}

// SuggestFilename builds <station>-<title>-<timestamp>.<ext>.
func SuggestFilename(station, title string, at time.Time, ext string) string {
	if strings.TrimSpace(station) == "" {
		station = "Unknown Station"
	}
	if strings.TrimSpace(title) == "" {
		title = "Unknown Track"
	}
	station = truncate(SanitizeFileName(station), maxPartLength)
	title = truncate(SanitizeFileName(title), maxPartLength)
	return fmt.Sprintf("%s-%s-%s.%s", station, title, at.Format(timestampLayout), ext)
}

// withExt sanitizes a user-supplied name and makes sure it carries ext.
func withExt(name, ext string) string {
	name = SanitizeFileName(strings.TrimSpace(name))
	if ext == "" {
		return name
	}
	if strings.EqualFold(filepath.Ext(name), "."+ext) {
		return name
	}
	return name + "." + ext
}

// uniquePath returns dir/name, or dir/name (2).ext, (3)... if taken.
func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}
