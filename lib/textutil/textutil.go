package textutil

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Lower lowercases s with unicode rules. A Caser keeps state, so one is made per call.
func Lower(s string) string {
	return cases.Lower(language.Und).String(s)
}

func NormalizeName(name string) string {
	name = Lower(name)
	name = strings.TrimSpace(name)
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}

// DedupKey identifies a book across sources: lowercase(title)|lowercase(author).
func DedupKey(title, author string) string {
	return Lower(title) + "|" + Lower(author)
}

// Similarity scores how close a title is to a search keyword, 1 being identical.
func Similarity(title, keyword string) float64 {
	a := NormalizeName(title)
	b := NormalizeName(keyword)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return matchr.JaroWinkler(a, b, false)
}
