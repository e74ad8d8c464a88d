package util

import (
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// SafeName turns free text into a file-system safe artifact name. Accents
// are folded away, spaces become underscores and every other rune outside
// [A-Za-z0-9._-] becomes an underscore. Leading dots are stripped so a name
// can never address a hidden file or a parent directory.
func SafeName(s string) string {
	var sb strings.Builder
	for _, r := range Normalize(strings.TrimSpace(s)) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return strings.TrimLeft(sb.String(), ".")
}
