package worker

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 0},
		{"limit=25", 25},
		{"limit=0", 0},
		{"limit=-4", 0},
		{"limit=ten", 0},
		{"limit=1e3", 0},
		{"other=5", 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/x?"+tt.query, nil)
			assert.Equal(t, tt.want, queryInt(r, "limit"))
		})
	}
}

func TestQueryPage(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?limit=20&offset=40", nil)
	limit, offset := queryPage(r)
	assert.Equal(t, 20, limit)
	assert.Equal(t, 40, offset)
}
