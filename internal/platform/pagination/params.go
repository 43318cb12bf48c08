package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPageSize    = 20
	DefaultMaxPageSize = 100

	// Query parameter names shared by every list endpoint.
	SizeParam  = "page_size"
	TokenParam = "page_token"
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page size")
	ErrInvalidPageToken = errors.New("pagination: invalid page token")
)

// Cursor is the opaque resume position carried inside a page token.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
}

// Params is a normalised page request. The token is passed through untouched; the
// repository that issued it is the one that decodes it.
type Params struct {
	PageSize  int
	PageToken string
}

// Limits bounds page sizes. Zero values fall back to the package defaults.
type Limits struct {
	Default int
	Max     int
}

// Clamp bounds size to [1, Max]; non-positive sizes become Default.
func (l Limits) Clamp(size int) int {
	maxSize := l.Max
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	def := l.Default
	if def <= 0 || def > maxSize {
		def = min(DefaultPageSize, maxSize)
	}
	switch {
	case size <= 0:
		return def
	case size > maxSize:
		return maxSize
	}
	return size
}

// FromQuery reads page_size and page_token. Only a non-numeric size is an error.
func FromQuery(values url.Values, limits Limits) (Params, error) {
	size := 0
	if raw := strings.TrimSpace(values.Get(SizeParam)); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, fmt.Errorf("%w: %s must be an integer", ErrInvalidPageSize, SizeParam)
		}
		size = parsed
	}
	return Params{
		PageSize:  limits.Clamp(size),
		PageToken: strings.TrimSpace(values.Get(TokenParam)),
	}, nil
}
