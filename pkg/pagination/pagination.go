package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Limits are the page size bounds of one route.
type Limits struct {
	Default int
	Max     int
}

// Standard applies when a route does not declare its own limits.
var Standard = Limits{Default: DefaultLimit, Max: MaxLimit}

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset= with the standard limits.
func FromContext(c echo.Context) Params {
	return Standard.FromContext(c)
}

// FromContext reads ?limit= and ?offset=, clamping both to l.
func (l Limits) FromContext(c echo.Context) Params {
	def, ceiling := l.Default, l.Max
	if ceiling <= 0 {
		ceiling = MaxLimit
	}
	if def <= 0 || def > ceiling {
		def = min(DefaultLimit, ceiling)
	}

	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = def
	}
	limit = min(limit, ceiling)

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	return Params{Limit: limit, Offset: max(offset, 0)}
}

// Response wraps one page of items.
type Response[T any] struct {
	Data       []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewResponse[T any](items []T, total, limit, offset int) *Response[T] {
	if items == nil {
		items = []T{}
	}
	r := &Response[T]{
		Data:    items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
	if r.HasMore {
		next := offset + limit
		r.NextOffset = &next
	}
	return r
}
