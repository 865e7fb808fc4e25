package revisions

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const cursorPrefix = "seq:"

func encodeCursor(sequence int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(sequence, 10)))
}

// decodeCursor returns the exclusive upper sequence bound, or 0 for the empty cursor.
func decodeCursor(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	value, found := strings.CutPrefix(string(decoded), cursorPrefix)
	if !found {
		return 0, fmt.Errorf("%w: unknown format", ErrInvalidCursor)
	}
	sequence, err := strconv.ParseInt(value, 10, 64)
	if err != nil || sequence <= 0 {
		return 0, fmt.Errorf("%w: bad sequence", ErrInvalidCursor)
	}
	return sequence, nil
}
