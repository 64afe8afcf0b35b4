// Package medication holds the line items of a single in-progress
// prescription and the deduplicating set that backs it.
package medication

// Line is one medication package on a prescription. EAN identifies the
// package and is the uniqueness key inside a prescription.
type Line struct {
	EAN        string `json:"ean"`
	Comment    string `json:"comment"`
	Title      string `json:"title,omitempty"`
	Package    string `json:"package,omitempty"`
	OrderIndex int    `json:"order_index"`
}

// sameContent reports whether two lines carry the same user-visible data.
// OrderIndex is positional and ignored.
func (l Line) sameContent(o Line) bool {
	return l.EAN == o.EAN &&
		l.Comment == o.Comment &&
		l.Title == o.Title &&
		l.Package == o.Package
}
