package coremerge

import "strings"

// ToSnakeCase converts a camelCase field name to the snake_case column name
// used in core.* tables (spec §6.2). Handler field names are already
// declared in snake_case, so this is a no-op for them; it exists for
// business-key fields that arrive in whatever case the staging source used.
func ToSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
