package detect

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var titleFolder = cases.Fold()

// quote and bracket characters stations add or drop between re-sends
var titleNoise = strings.NewReplacer(
	"'", "",
	"\"", "",
	"`", "",
	"‘", "",
	"’", "",
	"“", "",
	"”", "",
	"(", "",
	")", "",
)

// NormalizeTitle maps a stream title to the key used for duplicate
// detection. Two titles that differ only in case, Unicode form, spacing,
// quotes or parentheses normalize to the same key.
func NormalizeTitle(title string) string {
	s := norm.NFKC.String(title)
	s = titleFolder.String(s)
	s = titleNoise.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
