package repository

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/pkg/models"
)

// position is the decoded form of a history cursor: the order key of the
// oldest turn a client has already seen.
type position struct {
	ts  time.Time
	idx int64
}

func (p position) after(t models.ConversationTurn) bool {
	return t.Before(models.ConversationTurn{Timestamp: p.ts, OriginalIndex: p.idx})
}

// EncodeCursor returns the opaque cursor pointing just before turn.
func EncodeCursor(turn models.ConversationTurn) string {
	raw := strconv.FormatInt(turn.Timestamp.UnixNano(), 10) + "." + strconv.FormatInt(turn.OriginalIndex, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a cursor. The zero position with ok=false means "now".
func decodeCursor(cursor string) (position, bool, error) {
	if cursor == "" {
		return position{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return position{}, false, invalidCursor(cursor, err)
	}
	tsPart, idxPart, found := strings.Cut(string(raw), ".")
	if !found {
		return position{}, false, invalidCursor(cursor, fmt.Errorf("missing separator"))
	}
	ns, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return position{}, false, invalidCursor(cursor, err)
	}
	idx, err := strconv.ParseInt(idxPart, 10, 64)
	if err != nil {
		return position{}, false, invalidCursor(cursor, err)
	}
	return position{ts: time.Unix(0, ns).UTC(), idx: idx}, true, nil
}

func invalidCursor(cursor string, err error) error {
	return apperr.Wrap(apperr.KindInvalidInput, err, "invalid history cursor %q", cursor)
}

// finishPage trims an over-fetched newest-first slice to pageSize and sets
// HasMore and the next cursor.
func finishPage(turns []models.ConversationTurn, pageSize int) models.HistoryPage {
	page := models.HistoryPage{Turns: turns}
	if len(turns) > pageSize {
		page.Turns = turns[:pageSize]
		page.HasMore = true
	}
	if len(page.Turns) > 0 {
		page.Cursor = EncodeCursor(page.Turns[len(page.Turns)-1])
	}
	if page.Turns == nil {
		page.Turns = []models.ConversationTurn{}
	}
	return page
}

func checkAppend(turn models.ConversationTurn, maxBytes int) error {
	if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
		return apperr.New(apperr.KindInvalidInput, "unknown turn role %q", turn.Role)
	}
	if len(turn.Content) > maxBytes {
		return apperr.New(apperr.KindPayloadTooLarge, "turn of %d bytes exceeds the %d byte record limit", len(turn.Content), maxBytes).
			WithDetail("limit", maxBytes)
	}
	return nil
}

// MaxPageSize is the largest page any store will read in one call.
const MaxPageSize = 1000

func checkPageSize(pageSize int) error {
	if pageSize <= 0 || pageSize > MaxPageSize {
		return apperr.New(apperr.KindInvalidInput, "page size must be between 1 and %d, got %d", MaxPageSize, pageSize).
			WithDetail("max", MaxPageSize)
	}
	return nil
}
