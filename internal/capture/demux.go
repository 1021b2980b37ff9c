// Package capture turns a raw MJPEG byte stream into decoded frames.
package capture

import (
	"bytes"
	"time"
)

// DefaultMaxBuffer bounds the bytes a Demuxer retains while waiting for an
// end-of-image marker.
const DefaultMaxBuffer = 8 << 20

var (
	soiMarker = []byte{0xFF, 0xD8}
	eoiMarker = []byte{0xFF, 0xD9}
)

// EncodedFrame is one JPEG image cut out of the stream, from its SOI marker
// through the first EOI marker that follows it.
type EncodedFrame struct {
	Seq        uint64
	Data       []byte
	ReceivedAt time.Time
}

// DemuxStats reports demuxer counters.
type DemuxStats struct {
	Frames    uint64
	Overflows uint64
	// Discarded counts bytes dropped outside of any emitted frame.
	Discarded uint64
}

// Demuxer extracts JPEG frames from an MJPEG byte stream by scanning for
// start-of-image (FF D8) and end-of-image (FF D9) markers. It is not safe for
// concurrent use.
type Demuxer struct {
	buf       []byte
	maxBuffer int
	// eoiFrom is where the next EOI search resumes when buf starts with an SOI
	// whose end has not arrived yet.
	eoiFrom int
	seq     uint64
	stats   DemuxStats
	now     func() time.Time
}

// NewDemuxer creates a Demuxer that retains at most maxBuffer bytes.
// Values less than or equal to 0 select DefaultMaxBuffer.
func NewDemuxer(maxBuffer int) *Demuxer {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Demuxer{
		maxBuffer: maxBuffer,
		now:       time.Now,
	}
}

// Feed appends chunk to the buffer and returns every frame completed by it,
// in stream order. Returned frames own their data.
func (d *Demuxer) Feed(chunk []byte) []EncodedFrame {
	d.buf = append(d.buf, chunk...)

	var frames []EncodedFrame
	for {
		start := bytes.Index(d.buf, soiMarker)
		if start < 0 {
			break
		}
		if start > 0 {
			d.stats.Discarded += uint64(start)
			d.consume(start)
		}

		from := d.eoiFrom
		if from < len(soiMarker) {
			from = len(soiMarker)
		}
		end := bytes.Index(d.buf[from:], eoiMarker)
		if end < 0 {
			// Step back one byte so an FF at the tail is rescanned.
			d.eoiFrom = max(len(d.buf)-1, len(soiMarker))
			break
		}
		end += from + len(eoiMarker)

		d.seq++
		frames = append(frames, EncodedFrame{
			Seq:        d.seq,
			Data:       bytes.Clone(d.buf[:end]),
			ReceivedAt: d.now(),
		})
		d.stats.Frames++
		d.consume(end)
	}

	if len(d.buf) > d.maxBuffer {
		d.resync()
	}
	return frames
}

// Buffered returns the number of bytes retained for the next Feed.
func (d *Demuxer) Buffered() int {
	return len(d.buf)
}

// Stats returns a copy of the demuxer counters.
func (d *Demuxer) Stats() DemuxStats {
	return d.stats
}

// Reset drops all buffered bytes. Counters are kept.
func (d *Demuxer) Reset() {
	d.buf = nil
	d.eoiFrom = 0
}

// resync handles an overflowing buffer. It keeps the tail starting at the most
// recent SOI when that SOI is past offset 0 and the tail fits, otherwise it
// clears the buffer, keeping a trailing FF that may begin a split marker.
func (d *Demuxer) resync() {
	d.stats.Overflows++

	last := bytes.LastIndex(d.buf, soiMarker)
	if last > 0 && len(d.buf)-last <= d.maxBuffer {
		d.stats.Discarded += uint64(last)
		d.consume(last)
		return
	}

	keep := 0
	if d.buf[len(d.buf)-1] == 0xFF {
		keep = 1
	}
	d.stats.Discarded += uint64(len(d.buf) - keep)
	d.consume(len(d.buf) - keep)
}

// consume drops the first n buffered bytes.
func (d *Demuxer) consume(n int) {
	rest := len(d.buf) - n
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	d.eoiFrom = 0
}
