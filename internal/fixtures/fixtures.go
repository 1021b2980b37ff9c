// Package fixtures builds synthetic JPEG frames and MJPEG streams for tests.
package fixtures

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"time"

	"gocv.io/x/gocv"
)

// Boundary is the multipart boundary used by the MJPEG test server.
const Boundary = "frame"

// JPEG encodes a w x h image filled with c.
func JPEG(w, h int, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		panic(fmt.Sprintf("encode fixture jpeg: %v", err))
	}
	return buf.Bytes()
}

// Frames returns n distinct small JPEG frames.
func Frames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		c := color.RGBA{R: uint8(40 * i), G: uint8(255 - 30*i), B: uint8(90 + 17*i), A: 255}
		frames[i] = JPEG(32+8*i, 24+4*i, c)
	}
	return frames
}

// Noise encodes a w x h image of deterministic pseudo-random pixels, which
// compresses poorly and so has long scan data.
func Noise(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	seed := uint32(2463534242)
	for i := range img.Pix {
		seed ^= seed << 13
		seed ^= seed >> 17
		seed ^= seed << 5
		img.Pix[i] = byte(seed)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		panic(fmt.Sprintf("encode fixture jpeg: %v", err))
	}
	return buf.Bytes()
}

// Truncated cuts frame's entropy-coded scan data in half and closes it with
// an end-of-image marker, like a frame whose tail was lost in transit.
func Truncated(frame []byte) []byte {
	sos := bytes.Index(frame, []byte{0xFF, 0xDA})
	if sos < 0 || sos+4 > len(frame) {
		panic("fixture jpeg has no start-of-scan marker")
	}
	length := int(frame[sos+2])<<8 | int(frame[sos+3])
	start := sos + 2 + length
	end := len(frame) - 2
	cut := start + (end-start)/2
	if frame[cut-1] == 0xFF {
		cut--
	}
	out := make([]byte, 0, cut+2)
	out = append(out, frame[:cut]...)
	return append(out, 0xFF, 0xD9)
}

// Concat joins frames into one raw stream with nothing in between.
func Concat(frames [][]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f)
	}
	return buf.Bytes()
}

// Part wraps one frame the way the camera publisher does.
func Part(frame []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", Boundary)
	buf.Write(frame)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// Multipart returns frames as a multipart/x-mixed-replace body.
func Multipart(frames [][]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(Part(f))
	}
	return buf.Bytes()
}

// Garbage returns n bytes that contain no 0xFF, and so no JPEG markers.
func Garbage(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + i%26)
	}
	return out
}

// NewMJPEGServer serves frames as a multipart MJPEG stream. When interval is
// positive the frames repeat with that delay until the client disconnects;
// otherwise each frame is written once and the response ends.
func NewMJPEGServer(frames [][]byte, interval time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		for {
			for _, f := range frames {
				if _, err := w.Write(Part(f)); err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
				if interval <= 0 {
					continue
				}
				select {
				case <-r.Context().Done():
					return
				case <-time.After(interval):
				}
			}
			if interval <= 0 {
				return
			}
		}
	}))
}

// LoadFrame decodes a fixture JPEG into a BGR Mat.
func LoadFrame(data []byte) (*gocv.Mat, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode fixture frame: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("decode fixture frame: empty result")
	}
	return &mat, nil
}
