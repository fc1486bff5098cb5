package keys

import (
	"fmt"
	"strings"

	"crimelink/internal/models"
)

// sanitizeKey lowercases s and replaces characters that are awkward in object
// keys with hyphens.
func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, s)
}

// Batch returns the object key for an uploaded batch, partitioned by the UTC
// day of its oldest record.
func Batch(b models.Batch) string {
	day := b.Oldest().UTC()
	return fmt.Sprintf("locations/%04d/%02d/%02d/%s.json",
		day.Year(), day.Month(), day.Day(),
		sanitizeKey(b.ID),
	)
}
