// Package pagination slices in-memory result lists by limit and offset
// query parameters.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type Params struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// FromContext reads ?limit= and ?offset=. Missing values fall back to the
// defaults; malformed or negative values are a 400.
func FromContext(c echo.Context) (Params, error) {
	p := Params{Limit: DefaultLimit}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return p, echo.NewHTTPError(400, fmt.Sprintf("invalid limit %q", raw))
		}
		p.Limit = min(n, MaxLimit)
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, echo.NewHTTPError(400, fmt.Sprintf("invalid offset %q", raw))
		}
		p.Offset = n
	}
	return p, nil
}

// HasNext reports whether results remain after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// Page returns the window of items selected by p. It never returns nil.
func Page[T any](items []T, p Params) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if p.Limit > 0 && p.Offset+p.Limit < end {
		end = p.Offset + p.Limit
	}
	return items[p.Offset:end]
}
