package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?limit=50&offset=10", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_IgnoresUnknownParams(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?_count=25&_offset=5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != DefaultLimit || p.Offset != 0 {
		t.Errorf("expected defaults, got limit=%d offset=%d", p.Limit, p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?limit=500", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?offset=-5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Offset != 0 {
		t.Errorf("expected offset 0 for negative input, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	data := []string{"a", "b", "c"}
	r := NewResponse(data, 10, 3, 0)

	if r.Total != 10 {
		t.Errorf("expected total 10, got %d", r.Total)
	}
	if !r.HasMore {
		t.Error("expected has_more to be true when offset+limit < total")
	}

	r2 := NewResponse(data, 3, 3, 0)
	if r2.HasMore {
		t.Error("expected has_more to be false when offset+limit >= total")
	}
}

func TestNewResponse_NextOffset(t *testing.T) {
	r := NewResponse([]int{1, 2}, 25, 10, 10)
	if r.NextOffset == nil || *r.NextOffset != 20 {
		t.Errorf("expected next_offset 20, got %v", r.NextOffset)
	}

	last := NewResponse([]int{1}, 25, 10, 20)
	if last.NextOffset != nil {
		t.Errorf("expected no next_offset on last page, got %d", *last.NextOffset)
	}
}

func TestLimits_FromContext(t *testing.T) {
	history := Limits{Default: 10, Max: 50}
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"default", "/", 10},
		{"explicit", "/?limit=30", 30},
		{"capped", "/?limit=80", 50},
		{"garbage", "/?limit=abc", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, tt.query, nil), httptest.NewRecorder())
			if got := history.FromContext(c).Limit; got != tt.want {
				t.Errorf("expected limit %d, got %d", tt.want, got)
			}
		})
	}
}

func TestLimits_DefaultAboveMax(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if got := (Limits{Default: 40, Max: 5}).FromContext(c).Limit; got != 5 {
		t.Errorf("expected default clamped to 5, got %d", got)
	}
}

func TestNewResponse_EmptyPageIsArray(t *testing.T) {
	var none []string
	if r := NewResponse(none, 0, 10, 0); r.Data == nil || len(r.Data) != 0 {
		t.Errorf("expected empty non-nil data, got %#v", r.Data)
	}
}
