package utils

import "strings"

// NormalizeIdentifier returns name with every character other than ASCII letters, digits and
// underscores replaced by '_'. A leading digit is prefixed with '_'.
//
// Program, input and mesh axis names go through it.
func NormalizeIdentifier(name string) string {
	var sb strings.Builder
	sb.Grow(len(name) + 1)
	for i, r := range name {
		isDigit := r >= '0' && r <= '9'
		switch {
		case i == 0 && isDigit:
			sb.WriteByte('_')
			sb.WriteRune(r)
		case isDigit, r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
