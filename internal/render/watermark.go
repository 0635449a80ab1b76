package render

import (
	"path"
	"strings"
)

// Anchor names a watermark placement, matching the gravity names used by
// common image CDNs.
type Anchor string

const (
	AnchorCenter    Anchor = "center"
	AnchorNorthWest Anchor = "north_west"
	AnchorNorthEast Anchor = "north_east"
	AnchorSouthWest Anchor = "south_west"
	AnchorSouthEast Anchor = "south_east"
)

// WatermarkSpec describes the preview rendering applied to an original.
type WatermarkSpec struct {
	Text     string   `json:"text"`
	FontSize float64  `json:"font_size"`
	Opacity  float64  `json:"opacity"`
	Offset   int      `json:"offset"`
	Anchors  []Anchor `json:"anchors"`
	MaxWidth int      `json:"max_width"`
	Quality  int      `json:"quality"`
}

// DefaultWatermark is the fixed preview watermark: "PREVIEW" at the center and the
// four corners at 50% opacity, on an image limited to 800px width.
func DefaultWatermark() WatermarkSpec {
	return WatermarkSpec{
		Text:     "PREVIEW",
		FontSize: 40,
		Opacity:  0.5,
		Offset:   100,
		Anchors:  []Anchor{AnchorCenter, AnchorNorthWest, AnchorNorthEast, AnchorSouthWest, AnchorSouthEast},
		MaxWidth: 800,
		Quality:  70,
	}
}

// PreviewKey derives the deterministic preview object key for an original, so
// re-rendering overwrites the previous preview.
func PreviewKey(originalRef string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(originalRef, "/"), "originals/")
	rel = strings.TrimSuffix(rel, path.Ext(rel))
	return "previews/" + rel + ".jpg"
}
