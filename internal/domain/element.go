package domain

// ElementKind is the category a clickable element was discovered under.
type ElementKind string

const (
	ElementButton ElementKind = "button"
	ElementLink   ElementKind = "link"
	ElementImage  ElementKind = "image"
	ElementOther  ElementKind = "other"
)

// Element references a clickable node on the current page. XPath is stable
// across reloads of the same URL, so an element can be located again after
// the ranking pass has navigated away.
type Element struct {
	Kind  ElementKind `json:"kind"`
	XPath string      `json:"xpath"`
	Label string      `json:"label,omitempty"`
}

// Candidate is a ranked clickable element.
type Candidate struct {
	Element Element `json:"element"`
	Box     Rect    `json:"box"`
	Image   []byte  `json:"-"`
	Score   float64 `json:"score"`
}
