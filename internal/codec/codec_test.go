package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"testing"

	"tagcal/internal/model"
)

func testConfig() model.TransferConfig {
	return model.TransferConfig{
		Geometry:     model.Geometry{Width: 296, Height: 128},
		Rotation:     model.Rotate0,
		Threshold:    128,
		RedThreshold: 128,
		DisableRed:   true,
	}
}

// testBitmap draws a deterministic diagonal pattern with a red stripe.
func testBitmap(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			switch {
			case (x+y)%7 == 0:
				img.Set(x, y, color.NRGBA{A: 0xFF}) // black
			case x%31 == 0:
				img.Set(x, y, color.NRGBA{R: 0xFF, A: 0xFF}) // red
			default:
				img.Set(x, y, color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF})
			}
		}
	}
	return img
}

func TestEncodeDeterministic(t *testing.T) {
	cfg := testConfig()
	cfg.Rotation = model.Rotate90
	cfg.MirrorX = true
	img := testBitmap(296, 128)

	first, err := Encode(img, cfg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	second, err := Encode(img, cfg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if first.TotalBytes != second.TotalBytes {
		t.Fatalf("TotalBytes differ: %d vs %d", first.TotalBytes, second.TotalBytes)
	}
	if len(first.Chunks) != len(second.Chunks) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first.Chunks), len(second.Chunks))
	}
	for i := range first.Chunks {
		if !bytes.Equal(first.Chunks[i].Payload, second.Chunks[i].Payload) {
			t.Errorf("chunk %d payload differs between encodes", i)
		}
	}
}

func TestEncodeChunkOrderingInvariant(t *testing.T) {
	enc, err := Encode(testBitmap(296, 128), testConfig())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	lastCount := 0
	for i, c := range enc.Chunks {
		if c.Index != i {
			t.Errorf("chunk %d has Index %d", i, c.Index)
		}
		if c.Total != len(enc.Chunks) {
			t.Errorf("chunk %d Total = %d, want %d", i, c.Total, len(enc.Chunks))
		}
		if c.IsLast {
			lastCount++
			if c.Index != c.Total-1 {
				t.Errorf("IsLast set on chunk %d of %d", c.Index, c.Total)
			}
		}
	}
	if lastCount != 1 {
		t.Errorf("IsLast set on %d chunks, want exactly 1", lastCount)
	}
}

func TestEncode296x128Rotate90ChunkCount(t *testing.T) {
	cfg := testConfig()
	cfg.Rotation = model.Rotate90

	enc, err := Encode(testBitmap(296, 128), cfg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	planeBytes := 296 * 128 / 8
	wantChunks := (planeBytes + ChunkPayloadSize - 1) / ChunkPayloadSize
	if enc.TotalBytes != planeBytes {
		t.Errorf("TotalBytes = %d, want %d", enc.TotalBytes, planeBytes)
	}
	if len(enc.Chunks) != wantChunks {
		t.Errorf("chunk count = %d, want %d", len(enc.Chunks), wantChunks)
	}
	if enc.Chunks[0].Index != 0 {
		t.Errorf("first chunk Index = %d, want 0", enc.Chunks[0].Index)
	}
	if !enc.Chunks[len(enc.Chunks)-1].IsLast {
		t.Error("final chunk does not have IsLast set")
	}
}

func TestEncodeRedPlaneDoublesPayload(t *testing.T) {
	cfg := testConfig()
	cfg.DisableRed = true
	mono, err := Encode(testBitmap(296, 128), cfg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	cfg.DisableRed = false
	tri, err := Encode(testBitmap(296, 128), cfg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if tri.TotalBytes != 2*mono.TotalBytes {
		t.Errorf("tri-color TotalBytes = %d, want %d", tri.TotalBytes, 2*mono.TotalBytes)
	}
}

func TestEncodeCompressionLengthPrefix(t *testing.T) {
	cfg := testConfig()
	cfg.Compression = true

	enc, err := Encode(testBitmap(296, 128), cfg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Reassemble the payload and check the self-describing prefix.
	var payload []byte
	for _, c := range enc.Chunks {
		payload = append(payload, c.Payload...)
	}
	if len(payload) < 4 {
		t.Fatalf("payload too short: %d bytes", len(payload))
	}
	declared := binary.LittleEndian.Uint32(payload)
	if int(declared) != len(payload) {
		t.Errorf("declared length %d, actual %d", declared, len(payload))
	}
	if payload[4] != 0x75 {
		t.Errorf("first line marker = 0x%02x, want 0x75", payload[4])
	}
}

func TestEncodeMirrorChangesOutput(t *testing.T) {
	img := testBitmap(296, 128)

	plain, err := Encode(img, testConfig())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	cfg := testConfig()
	cfg.MirrorX = true
	mirrored, err := Encode(img, cfg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	same := true
	for i := range plain.Chunks {
		if !bytes.Equal(plain.Chunks[i].Payload, mirrored.Chunks[i].Payload) {
			same = false
			break
		}
	}
	if same {
		t.Error("mirroring produced identical payload")
	}
}

func TestEncodeRejectsWrongGeometry(t *testing.T) {
	_, err := Encode(testBitmap(300, 100), testConfig())
	if err == nil {
		t.Fatal("Encode() accepted a 300x100 bitmap")
	}
	if !errors.Is(err, ErrUnsupportedGeometry) {
		t.Errorf("error = %v, want ErrUnsupportedGeometry", err)
	}
}

func TestEncodeRejectsBadRotation(t *testing.T) {
	cfg := testConfig()
	cfg.Rotation = model.Rotation(45)
	_, err := Encode(testBitmap(296, 128), cfg)
	if err == nil {
		t.Fatal("Encode() accepted rotation 45")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestWirePacketHeader(t *testing.T) {
	c := Chunk{Index: 7, Total: 8, Payload: []byte{0xAA, 0xBB}}
	pkt := c.WirePacket()
	if len(pkt) != 6 {
		t.Fatalf("packet length = %d, want 6", len(pkt))
	}
	if got := binary.LittleEndian.Uint32(pkt); got != 7 {
		t.Errorf("part index = %d, want 7", got)
	}
	if pkt[4] != 0xAA || pkt[5] != 0xBB {
		t.Errorf("payload bytes = % x, want aa bb", pkt[4:])
	}
}

func TestGeometryForTagSize(t *testing.T) {
	g, ok := GeometryForTagSize("2.9")
	if !ok {
		t.Fatal("2.9 not recognized")
	}
	if g.Width != 296 || g.Height != 128 {
		t.Errorf("2.9 geometry = %s, want 296x128", g)
	}
	if _, ok := GeometryForTagSize("9.7"); ok {
		t.Error("9.7 unexpectedly recognized")
	}
}
