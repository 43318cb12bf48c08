package repositories

import (
	"fmt"
	"time"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/platform/pagination"
)

// Orders are listed newest first; the cursor records the last (createdAt, id) pair returned.

// EncodeOrderCursor builds the page token resuming after the supplied order.
func EncodeOrderCursor(order domain.Order) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{order.CreatedAt.UTC().Format(time.RFC3339Nano), order.ID},
	})
}

// DecodeOrderCursor parses a token produced by EncodeOrderCursor. An empty token yields ok=false.
func DecodeOrderCursor(token string) (createdAt time.Time, id string, ok bool, err error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", false, err
	}
	if len(cursor.StartAfter) == 0 {
		return time.Time{}, "", false, nil
	}
	rawTime, okTime := cursor.StringAt(0)
	id, okID := cursor.StringAt(1)
	if !okTime || !okID {
		return time.Time{}, "", false, fmt.Errorf("%w: malformed order cursor", pagination.ErrInvalidPageToken)
	}
	createdAt, err = time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	return createdAt, id, true, nil
}
