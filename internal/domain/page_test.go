package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRect_Geometry(t *testing.T) {
	r := Rect{X1: 10, Y1: 20, X2: 50, Y2: 40}
	assert.Equal(t, 40.0, r.Width())
	assert.Equal(t, 20.0, r.Height())
	assert.Equal(t, 800.0, r.Area())
	assert.False(t, r.Empty())

	degenerate := Rect{X1: 5, Y1: 5, X2: 5, Y2: 9}
	assert.True(t, degenerate.Empty())
	assert.Zero(t, degenerate.Area())
}

func TestRect_Intersect(t *testing.T) {
	a := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}

	tests := []struct {
		name     string
		other    Rect
		overlaps bool
		area     float64
	}{
		{"contained", Rect{X1: 2, Y1: 2, X2: 4, Y2: 4}, true, 4},
		{"partial", Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}, true, 25},
		{"touching edge", Rect{X1: 10, Y1: 0, X2: 20, Y2: 10}, false, 0},
		{"disjoint", Rect{X1: 20, Y1: 20, X2: 30, Y2: 30}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.overlaps, a.Overlaps(tt.other))
			assert.Equal(t, tt.area, a.Intersect(tt.other).Area())
		})
	}
}

func TestRect_Expand(t *testing.T) {
	page := PageRect(100, 100)

	got := Rect{X1: 40, Y1: 40, X2: 60, Y2: 60}.Expand(0.5, page)
	assert.Equal(t, Rect{X1: 30, Y1: 30, X2: 70, Y2: 70}, got)

	clamped := Rect{X1: 0, Y1: 90, X2: 20, Y2: 100}.Expand(1, page)
	assert.Equal(t, Rect{X1: 0, Y1: 80, X2: 40, Y2: 100}, clamped)
	assert.True(t, clamped.Within(page))
	assert.False(t, Rect{X1: 90, Y1: 0, X2: 120, Y2: 10}.Within(page))
}

func TestTokensText(t *testing.T) {
	tokens := []OcrToken{{Text: "Sign"}, {Text: "in"}, {Text: "PayPal"}}
	assert.Equal(t, "Sign in PayPal", TokensText(tokens))
	assert.Equal(t, "", TokensText(nil))
}

func TestLogoRegion_HasCrop(t *testing.T) {
	var nilRegion *LogoRegion
	assert.False(t, nilRegion.HasCrop())
	assert.False(t, (&LogoRegion{}).HasCrop())
	assert.True(t, (&LogoRegion{Crop: []byte{0x89}}).HasCrop())
}
