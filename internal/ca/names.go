package ca

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Pattern names are assembled from four curated part lists: a title, a first
// name, and a last-name prefix and suffix that fuse into a single word. A part
// index of 0xFFFF means the part is unused; a nonzero flag capitalizes it.

// PatternPartUnused marks a pattern slot the client left empty.
const PatternPartUnused = 0xFFFF

var namePatternParts = [4][]string{
	{"Sir", "Professor", "Captain", "Doctor", "Master", "Miss", "Baron", "Duchess"},
	{"Flappy", "Ziggy", "Skippy", "Loopy", "Dizzy", "Fancy", "Sparky", "Bonkers"},
	{"Wacky", "Bubble", "Thunder", "Giggle", "Nutty", "Whisker", "Rhubarb", "Pickle"},
	{"snout", "whistle", "muddle", "toes", "sprocket", "doodle", "zapper", "crunch"},
}

var (
	errNamePatternEmpty = errors.New("ca: name pattern selects no parts")
	errNamePatternIndex = errors.New("ca: name pattern index out of range")
)

// ComposePatternName turns four (index, flag) pairs into a display name. The
// two last-name parts concatenate into one word; the remaining parts are
// joined with spaces.
func ComposePatternName(indices, flags [4]uint16) (string, error) {
	var parts [4]string
	used := false
	for i := 0; i < 4; i++ {
		if indices[i] == PatternPartUnused {
			continue
		}
		if int(indices[i]) >= len(namePatternParts[i]) {
			return "", errNamePatternIndex
		}
		p := namePatternParts[i][indices[i]]
		if flags[i] != 0 {
			p = capitalize(p)
		} else {
			p = strings.ToLower(p)
		}
		parts[i] = p
		used = true
	}
	if !used {
		return "", errNamePatternEmpty
	}

	words := make([]string, 0, 3)
	if parts[0] != "" {
		words = append(words, parts[0])
	}
	if parts[1] != "" {
		words = append(words, parts[1])
	}
	if last := parts[2] + parts[3]; last != "" {
		words = append(words, last)
	}
	return strings.Join(words, " "), nil
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
