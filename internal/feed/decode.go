package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crimelink/internal/models"
)

// ErrEmpty is returned by DecodeFixes for a payload without fixes.
var ErrEmpty = errors.New("no fixes in payload")

// DecodeFixes accepts either a single fix object or an array of fixes. Fixes
// without a timestamp are stamped with received.
func DecodeFixes(data []byte, received time.Time) ([]models.Fix, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	var fixes []models.Fix
	if data[0] == '[' {
		if err := json.Unmarshal(data, &fixes); err != nil {
			return nil, fmt.Errorf("decoding fixes: %w", err)
		}
	} else {
		var fix models.Fix
		if err := json.Unmarshal(data, &fix); err != nil {
			return nil, fmt.Errorf("decoding fix: %w", err)
		}
		fixes = []models.Fix{fix}
	}
	if len(fixes) == 0 {
		return nil, ErrEmpty
	}

	for i := range fixes {
		if fixes[i].Timestamp.IsZero() {
			fixes[i].Timestamp = received
		}
	}
	return fixes, nil
}
