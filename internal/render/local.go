package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/gobold"
)

type objectStore interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
	Store(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// Local renders previews in-process and writes them through the object store.
type Local struct {
	store    objectStore
	maxBytes int64
	font     *truetype.Font
}

// NewLocal builds an in-process renderer. maxBytes caps the original size read into memory.
func NewLocal(store objectStore, maxBytes int64) (*Local, error) {
	return newLocal(store, maxBytes, gobold.TTF)
}

func newLocal(store objectStore, maxBytes int64, ttf []byte) (*Local, error) {
	f, err := truetype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("parse watermark font: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 50 * 1024 * 1024
	}
	return &Local{store: store, maxBytes: maxBytes, font: f}, nil
}

// RenderPreview fetches the original, resizes it, stamps the watermark and stores the result.
func (l *Local) RenderPreview(ctx context.Context, originalRef string, wm WatermarkSpec) (string, error) {
	rc, err := l.store.Fetch(ctx, originalRef)
	if err != nil {
		return "", fmt.Errorf("load original: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, l.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read original: %w", err)
	}
	if int64(len(data)) > l.maxBytes {
		return "", fmt.Errorf("image too large (>%d bytes)", l.maxBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return "", errors.New("invalid image dimensions")
	}

	if wm.MaxWidth > 0 && img.Bounds().Dx() > wm.MaxWidth {
		img = imaging.Resize(img, wm.MaxWidth, 0, imaging.Lanczos)
	}
	out := Stamp(img, wm, l.font)

	quality := wm.Quality
	if quality <= 0 {
		quality = 85
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, out, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}

	ref, err := l.store.Store(ctx, PreviewKey(originalRef), bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload preview: %w", err)
	}
	return ref, nil
}

// Stamp draws the watermark text in face f at every anchor of wm.
func Stamp(img image.Image, wm WatermarkSpec, f *truetype.Font) image.Image {
	if wm.Text == "" || len(wm.Anchors) == 0 {
		return img
	}
	dc := gg.NewContextForImage(img)
	w, h := float64(dc.Width()), float64(dc.Height())

	size := wm.FontSize
	if size <= 0 {
		size = 40
	}
	size = math.Min(size, h/6)
	dc.SetFontFace(truetype.NewFace(f, &truetype.Options{Size: size}))
	dc.SetRGBA(1, 1, 1, wm.Opacity)

	offset := math.Min(float64(wm.Offset), math.Min(w, h)/8)
	for _, a := range wm.Anchors {
		x, y, ax, ay := anchorPoint(a, w, h, offset)
		dc.DrawStringAnchored(wm.Text, x, y, ax, ay)
	}
	return dc.Image()
}

func anchorPoint(a Anchor, w, h, offset float64) (x, y, ax, ay float64) {
	switch a {
	case AnchorNorthWest:
		return offset, offset, 0, 1
	case AnchorNorthEast:
		return w - offset, offset, 1, 1
	case AnchorSouthWest:
		return offset, h - offset, 0, 0
	case AnchorSouthEast:
		return w - offset, h - offset, 1, 0
	default:
		return w / 2, h / 2, 0.5, 0.5
	}
}
