package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"time"

	"gocv.io/x/gocv"
)

// ErrDecode is wrapped by every decoding failure. Callers drop the frame and
// continue.
var ErrDecode = errors.New("decode frame")

// ChannelOrder names the channel layout of a decoded frame.
type ChannelOrder int

const (
	OrderRGB ChannelOrder = iota
	OrderBGR
)

func (o ChannelOrder) String() string {
	switch o {
	case OrderRGB:
		return "RGB"
	case OrderBGR:
		return "BGR"
	default:
		return fmt.Sprintf("ChannelOrder(%d)", int(o))
	}
}

// Frame is a decoded video frame with metadata.
type Frame struct {
	Seq       uint64
	Mat       *gocv.Mat
	Width     int
	Height    int
	Order     ChannelOrder
	Timestamp time.Time
}

// Close releases the pixel data.
func (f *Frame) Close() error {
	if f == nil || f.Mat == nil {
		return nil
	}
	err := f.Mat.Close()
	f.Mat = nil
	return err
}

// BGR returns a BGR copy of the frame for drawing and encoding. The caller
// closes the returned Mat.
func (f *Frame) BGR() (gocv.Mat, error) {
	if f.Order == OrderBGR {
		return f.Mat.Clone(), nil
	}
	out := gocv.NewMat()
	if err := gocv.CvtColor(*f.Mat, &out, gocv.ColorRGBToBGR); err != nil {
		out.Close()
		return gocv.Mat{}, fmt.Errorf("convert frame to BGR: %w", err)
	}
	return out, nil
}

// Decoder converts an encoded frame into pixels in RGB order.
type Decoder interface {
	Decode(EncodedFrame) (*Frame, error)
}

// GocvDecoder decodes JPEG data with OpenCV.
type GocvDecoder struct{}

// NewDecoder returns the OpenCV backed decoder.
func NewDecoder() *GocvDecoder {
	return &GocvDecoder{}
}

// Decode decodes ef and converts OpenCV's native BGR layout to RGB.
// The caller closes the returned frame.
func (GocvDecoder) Decode(ef EncodedFrame) (*Frame, error) {
	if len(ef.Data) == 0 {
		return nil, fmt.Errorf("%w %d: empty input", ErrDecode, ef.Seq)
	}
	// OpenCV only warns about a premature end of scan data and returns a
	// gray-filled image, so the data is checked with the strict decoder
	// first.
	if _, err := jpeg.Decode(bytes.NewReader(ef.Data)); err != nil {
		return nil, fmt.Errorf("%w %d: %v", ErrDecode, ef.Seq, err)
	}

	bgr, err := gocv.IMDecode(ef.Data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w %d: %v", ErrDecode, ef.Seq, err)
	}
	defer bgr.Close()

	if bgr.Empty() {
		return nil, fmt.Errorf("%w %d: malformed or truncated JPEG", ErrDecode, ef.Seq)
	}

	rgb := gocv.NewMat()
	if err := gocv.CvtColor(bgr, &rgb, gocv.ColorBGRToRGB); err != nil {
		rgb.Close()
		return nil, fmt.Errorf("%w %d: %v", ErrDecode, ef.Seq, err)
	}

	ts := ef.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Frame{
		Seq:       ef.Seq,
		Mat:       &rgb,
		Width:     rgb.Cols(),
		Height:    rgb.Rows(),
		Order:     OrderRGB,
		Timestamp: ts,
	}, nil
}
