package lesson

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TemporaryIDPrefix marks client-generated document ids.
const TemporaryIDPrefix = "temp_"

const randomSuffixLen = 9

// NewTemporaryID builds a placeholder document id of the form
// temp_<session>_<unix-ms>_<9 random chars>. A conversation that has no
// server session yet is written as new_<unix-ms>.
func NewTemporaryID(sessionID string, now time.Time) string {
	ms := now.UnixMilli()
	ctx := sessionID
	if ctx == "" {
		ctx = fmt.Sprintf("new_%d", ms)
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:randomSuffixLen]
	return fmt.Sprintf("%s%s_%d_%s", TemporaryIDPrefix, ctx, ms, suffix)
}

// IsTemporaryID reports whether id was produced by NewTemporaryID.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}
