// Package codec converts a rendered status image into the gicisky tag's
// wire representation: rotation/mirroring, 1bpp threshold packing with
// an optional red plane, optional run-framed compression, and chunking
// into link-sized packets.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"tagcal/internal/model"
)

var (
	// ErrUnsupportedGeometry is returned when the bitmap dimensions do
	// not exactly match a supported panel size.
	ErrUnsupportedGeometry = errors.New("codec: unsupported panel geometry")

	// ErrInvalidConfig is returned for transfer configs the codec
	// cannot honor (bad rotation, out-of-range threshold).
	ErrInvalidConfig = errors.New("codec: invalid transfer config")
)

// ChunkPayloadSize is the per-chunk image payload limit. The firmware
// reassembles 240-byte parts; the 4-byte part header is added on top.
const ChunkPayloadSize = 240

// partHeaderSize is the little-endian part index prepended to each
// chunk on the wire.
const partHeaderSize = 4

// geometries maps the tag size labels used in configs to panel pixels.
var geometries = map[string]model.Geometry{
	"1.54": {Width: 200, Height: 200},
	"2.1":  {Width: 250, Height: 122},
	"2.9":  {Width: 296, Height: 128},
	"4.2":  {Width: 400, Height: 300},
	"7.5":  {Width: 640, Height: 384},
}

// GeometryForTagSize resolves a tag size label ("2.9") to its panel
// geometry.
func GeometryForTagSize(size string) (model.Geometry, bool) {
	g, ok := geometries[size]
	return g, ok
}

// SupportedGeometry reports whether g is a known panel size.
func SupportedGeometry(g model.Geometry) bool {
	for _, known := range geometries {
		if known == g {
			return true
		}
	}
	return false
}

// Chunk is one bounded fragment of the encoded payload.
type Chunk struct {
	Index   int
	Total   int
	Payload []byte
	IsLast  bool
}

// WirePacket returns the bytes written to the image characteristic:
// a little-endian uint32 part index followed by the payload.
func (c Chunk) WirePacket() []byte {
	pkt := make([]byte, partHeaderSize+len(c.Payload))
	binary.LittleEndian.PutUint32(pkt, uint32(c.Index))
	copy(pkt[partHeaderSize:], c.Payload)
	return pkt
}

// EncodedImage is the ordered chunk sequence for one transfer.
type EncodedImage struct {
	// TotalBytes is the full payload length announced to the device
	// before streaming starts.
	TotalBytes int
	Chunks     []Chunk
}

// Encode converts a rendered bitmap into the device wire representation.
// Encoding is deterministic: the same bitmap and config always produce
// byte-identical output.
func Encode(img image.Image, cfg model.TransferConfig) (*EncodedImage, error) {
	if !cfg.Rotation.Valid() {
		return nil, fmt.Errorf("%w: rotation %d", ErrInvalidConfig, cfg.Rotation)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 255 {
		return nil, fmt.Errorf("%w: threshold %d", ErrInvalidConfig, cfg.Threshold)
	}
	if cfg.RedThreshold < 0 || cfg.RedThreshold > 255 {
		return nil, fmt.Errorf("%w: red threshold %d", ErrInvalidConfig, cfg.RedThreshold)
	}
	if !SupportedGeometry(cfg.Geometry) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGeometry, cfg.Geometry)
	}

	b := img.Bounds()
	if b.Dx() != cfg.Geometry.Width || b.Dy() != cfg.Geometry.Height {
		return nil, fmt.Errorf("%w: bitmap is %dx%d, panel is %s",
			ErrUnsupportedGeometry, b.Dx(), b.Dy(), cfg.Geometry)
	}

	black, red := packPlanes(img, cfg)

	var payload []byte
	if cfg.Compression {
		payload = runFrame(black, red, cfg.Geometry)
	} else {
		payload = black
		if red != nil {
			payload = append(payload, red...)
		}
	}

	return split(payload), nil
}

// packPlanes applies rotation and mirroring, thresholds each pixel, and
// packs the result MSB-first row-major into the black plane (and the
// red plane unless disabled). The deployed firmware inverts the black
// bit sense when compression is enabled; that quirk is preserved.
func packPlanes(img image.Image, cfg model.TransferConfig) (black, red []byte) {
	view := rotatedView{src: img, rot: cfg.Rotation}
	w, h := view.size()

	withRed := !cfg.DisableRed

	var (
		cur, curRed byte
		bitPos      = 7
	)

	appendByte := func() {
		black = append(black, cur)
		if withRed {
			red = append(red, curRed)
		}
		cur, curRed = 0, 0
		bitPos = 7
	}

	ys := iterate(h, cfg.MirrorY)
	xs := iterate(w, cfg.MirrorX)

	for _, y := range ys {
		for _, x := range xs {
			r, g, b := view.rgb(x, y)

			luma := 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
			ink := luma > float64(cfg.Threshold)
			if cfg.Compression {
				ink = luma < float64(cfg.Threshold)
			}
			if ink {
				cur |= 1 << bitPos
			}
			if int(r) > cfg.RedThreshold && int(g) < cfg.RedThreshold {
				curRed |= 1 << bitPos
			}

			bitPos--
			if bitPos < 0 {
				appendByte()
			}
		}
	}
	if bitPos != 7 {
		appendByte()
	}

	return black, red
}

// runFrame wraps the packed planes in the tag's run-framed compressed
// layout: per line a 0x75 marker, the line length fields, and the line
// bytes, with a self-describing little-endian uint32 total length
// prefix. A "line" here is one row of the post-rotation image, which is
// Height/8 bytes of the panel's native orientation.
func runFrame(black, red []byte, geom model.Geometry) []byte {
	bytesPerLine := geom.Height / 8

	buf := make([]byte, 4, 4+len(black)*2)

	appendPlane := func(plane []byte) {
		pos := 0
		for line := 0; line < geom.Width; line++ {
			buf = append(buf,
				0x75,
				byte(bytesPerLine+7),
				byte(bytesPerLine),
				0x00, 0x00, 0x00, 0x00,
			)
			end := pos + bytesPerLine
			if end > len(plane) {
				end = len(plane)
			}
			buf = append(buf, plane[pos:end]...)
			pos = end
		}
	}

	appendPlane(black)
	if red != nil {
		appendPlane(red)
	}

	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	return buf
}

// split cuts payload into ChunkPayloadSize pieces with contiguous
// zero-based indices; exactly the final chunk has IsLast set.
func split(payload []byte) *EncodedImage {
	total := (len(payload) + ChunkPayloadSize - 1) / ChunkPayloadSize
	if total == 0 {
		total = 1
	}

	enc := &EncodedImage{
		TotalBytes: len(payload),
		Chunks:     make([]Chunk, 0, total),
	}

	for i := 0; i < total; i++ {
		start := i * ChunkPayloadSize
		end := start + ChunkPayloadSize
		if end > len(payload) {
			end = len(payload)
		}
		enc.Chunks = append(enc.Chunks, Chunk{
			Index:   i,
			Total:   total,
			Payload: payload[start:end],
			IsLast:  i == total-1,
		})
	}

	return enc
}

// iterate returns 0..n-1, reversed when mirrored.
func iterate(n int, mirrored bool) []int {
	idx := make([]int, n)
	for i := range idx {
		if mirrored {
			idx[i] = n - 1 - i
		} else {
			idx[i] = i
		}
	}
	return idx
}

// rotatedView presents img rotated counter-clockwise by rot without
// copying pixels. Rotation happens before mirroring; mirroring is the
// caller's iteration order.
type rotatedView struct {
	src image.Image
	rot model.Rotation
}

func (v rotatedView) size() (w, h int) {
	b := v.src.Bounds()
	switch v.rot {
	case model.Rotate90, model.Rotate270:
		return b.Dy(), b.Dx()
	default:
		return b.Dx(), b.Dy()
	}
}

func (v rotatedView) rgb(x, y int) (r, g, b uint8) {
	bounds := v.src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var sx, sy int
	switch v.rot {
	case model.Rotate90:
		sx, sy = w-1-y, x
	case model.Rotate180:
		sx, sy = w-1-x, h-1-y
	case model.Rotate270:
		sx, sy = y, h-1-x
	default:
		sx, sy = x, y
	}

	r32, g32, b32, a32 := v.src.At(bounds.Min.X+sx, bounds.Min.Y+sy).RGBA()
	if a32 < 0x8000 {
		// Transparent pixels render as white.
		return 0xFF, 0xFF, 0xFF
	}
	return uint8(r32 >> 8), uint8(g32 >> 8), uint8(b32 >> 8)
}
