package session

import "wappsender/internal/kit"

// Item is one staged media reference. The URL points at a publicly
// fetchable location the gateway pulls the payload from.
type Item struct {
	Kind kit.MediaKind
	URL  string
	// Name is the display filename, documents only.
	Name string
}

// Bundle is the staged content awaiting broadcast: an ordered item
// sequence plus an optional caption. At most one bundle exists at a
// time; it is replaced or cleared, never merged across upload sessions.
type Bundle struct {
	Items   []Item
	Caption string
}

func (b Bundle) Empty() bool {
	return len(b.Items) == 0 && b.Caption == ""
}

// clone deep-copies the bundle so a dispatched run never observes
// mutations made after dispatch.
func (b Bundle) clone() Bundle {
	cp := Bundle{Caption: b.Caption}
	if len(b.Items) > 0 {
		cp.Items = append([]Item(nil), b.Items...)
	}
	return cp
}
