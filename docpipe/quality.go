package docpipe

import (
	"unicode"
	"unicode/utf8"
)

// needsOCR reports whether a page's text layer is too thin or too garbled
// to stand on its own.
func needsOCR(text string, minChars int) bool {
	return utf8.RuneCountInString(text) < minChars || printableRatio(text) < 0.85
}

// printableRatio is the share of printable runes, treating the private use
// area, U+FFFD and control characters other than whitespace as garbage.
func printableRatio(text string) float64 {
	total, ok := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			ok++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(ok) / float64(total)
}

func isGarbageRune(r rune) bool {
	switch {
	case r >= 0xE000 && r <= 0xF8FF:
		return true
	case r == utf8.RuneError:
		return true
	case r < 0x20 && r != '\n' && r != '\r' && r != '\t':
		return true
	}
	return false
}
