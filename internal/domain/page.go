package domain

import "math"

// Rect is an axis-aligned box in screenshot pixel coordinates.
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the horizontal extent of the box.
func (r Rect) Width() float64 { return r.X2 - r.X1 }

// Height returns the vertical extent of the box.
func (r Rect) Height() float64 { return r.Y2 - r.Y1 }

// Empty reports whether the box has no positive area.
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// Area returns the box area, zero for degenerate boxes.
func (r Rect) Area() float64 {
	if r.Empty() {
		return 0
	}
	return r.Width() * r.Height()
}

// Intersect returns the overlapping region of r and o.
func (r Rect) Intersect(o Rect) Rect {
	return Rect{
		X1: math.Max(r.X1, o.X1),
		Y1: math.Max(r.Y1, o.Y1),
		X2: math.Min(r.X2, o.X2),
		Y2: math.Min(r.Y2, o.Y2),
	}
}

// Overlaps reports whether the intersection of r and o has positive area.
func (r Rect) Overlaps(o Rect) bool {
	return r.Intersect(o).Area() > 0
}

// Expand grows the box by ratio of its own size on every side and clamps
// the result to bounds.
func (r Rect) Expand(ratio float64, bounds Rect) Rect {
	dx := r.Width() * ratio
	dy := r.Height() * ratio
	return Rect{
		X1: math.Max(bounds.X1, r.X1-dx),
		Y1: math.Max(bounds.Y1, r.Y1-dy),
		X2: math.Min(bounds.X2, r.X2+dx),
		Y2: math.Min(bounds.Y2, r.Y2+dy),
	}
}

// Within reports whether r lies inside bounds.
func (r Rect) Within(bounds Rect) bool {
	return r.X1 >= bounds.X1 && r.Y1 >= bounds.Y1 && r.X2 <= bounds.X2 && r.Y2 <= bounds.Y2
}

// PageRect returns the box covering a whole page of the given size.
func PageRect(width, height int) Rect {
	return Rect{X2: float64(width), Y2: float64(height)}
}

// PageSnapshot is one captured state of the investigated site.
type PageSnapshot struct {
	URL            string `json:"url"`
	ScreenshotPath string `json:"screenshot_path"`
	HTMLPath       string `json:"html_path"`
	ImageWidth     int    `json:"image_width"`
	ImageHeight    int    `json:"image_height"`
}

// OcrToken is a single recognised text fragment.
type OcrToken struct {
	Text       string  `json:"text"`
	Box        Rect    `json:"box"`
	Confidence float64 `json:"confidence"`
}

// TokensText joins token texts with single spaces.
func TokensText(tokens []OcrToken) string {
	n := 0
	for _, t := range tokens {
		n += len(t.Text) + 1
	}
	buf := make([]byte, 0, n)
	for i, t := range tokens {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, t.Text...)
	}
	return string(buf)
}

// LogoRegion is the most salient logo found on a snapshot.
type LogoRegion struct {
	Box  Rect   `json:"box"`
	Crop []byte `json:"-"` // PNG encoded
}

// HasCrop reports whether an image crop is available.
func (l *LogoRegion) HasCrop() bool {
	return l != nil && len(l.Crop) > 0
}

// BrandHypothesis is the current guess of the impersonated brand.
type BrandHypothesis struct {
	Domain string `json:"domain"`
	Logo   []byte `json:"-"`
}
