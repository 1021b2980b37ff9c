package cascade

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/watchpost/internal/capture"
)

// candidateFloor drops YOLO anchors that cannot be objects before NMS. Policy
// thresholds are applied later by the incident decision.
const candidateFloor = 0.01

func loadNet(path string) (gocv.Net, error) {
	if _, err := os.Stat(path); err != nil {
		return gocv.Net{}, fmt.Errorf("model file not found: %w", err)
	}

	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return gocv.Net{}, fmt.Errorf("failed to load network %s", path)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return gocv.Net{}, fmt.Errorf("failed to set preferable backend or target")
	}
	return net, nil
}

func blobFor(frame *capture.Frame, size int) gocv.Mat {
	// Models take RGB input; swap only when the frame is still BGR.
	swapRB := frame.Order == capture.OrderBGR
	return gocv.BlobFromImage(*frame.Mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), swapRB, false)
}

// ONNXClassifierBackend runs an image classification model exported to ONNX.
// Output must be [1, N] class scores.
type ONNXClassifierBackend struct {
	mu   sync.Mutex
	net  gocv.Net
	size int
}

// NewONNXClassifierBackend loads the model at path. inputSize is the square
// input resolution the model was exported with.
func NewONNXClassifierBackend(path string, inputSize int) (*ONNXClassifierBackend, error) {
	net, err := loadNet(path)
	if err != nil {
		return nil, fmt.Errorf("load classifier: %w", err)
	}
	if inputSize <= 0 {
		inputSize = 224
	}
	return &ONNXClassifierBackend{net: net, size: inputSize}, nil
}

func (b *ONNXClassifierBackend) Scores(frame *capture.Frame) ([]float64, error) {
	if frame == nil || frame.Mat == nil || frame.Mat.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	blob := blobFor(frame, b.size)
	defer blob.Close()

	b.net.SetInput(blob, "")
	out := b.net.Forward("")
	defer out.Close()

	n := out.Total()
	if n == 0 {
		return nil, fmt.Errorf("%w: empty classifier output", ErrMalformed)
	}
	flat := out.Reshape(1, 1)
	defer flat.Close()

	scores := make([]float64, n)
	for i := range scores {
		scores[i] = float64(flat.GetFloatAt(0, i))
	}
	return scores, nil
}

func (b *ONNXClassifierBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.net.Close()
}

// ONNXDetectorBackend runs a YOLOv8 detection model exported to ONNX. Output
// is [1, 4+N, K]: box centre and size followed by N class scores for each of
// K anchors.
type ONNXDetectorBackend struct {
	mu   sync.Mutex
	net  gocv.Net
	size int
	nms  float32
}

// NewONNXDetectorBackend loads the model at path. nmsThreshold is the IoU
// above which overlapping boxes are merged.
func NewONNXDetectorBackend(path string, inputSize int, nmsThreshold float64) (*ONNXDetectorBackend, error) {
	net, err := loadNet(path)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}
	if inputSize <= 0 {
		inputSize = 640
	}
	if nmsThreshold <= 0 {
		nmsThreshold = 0.45
	}
	return &ONNXDetectorBackend{net: net, size: inputSize, nms: float32(nmsThreshold)}, nil
}

func (b *ONNXDetectorBackend) Detections(frame *capture.Frame) ([]RawDetection, error) {
	if frame == nil || frame.Mat == nil || frame.Mat.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	blob := blobFor(frame, b.size)
	defer blob.Close()

	b.net.SetInput(blob, "")
	out := b.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("%w: detector output shape %v", ErrMalformed, dims)
	}
	rows, anchors := dims[1], dims[2]

	table := out.Reshape(1, rows)
	defer table.Close()

	sx := float32(frame.Width) / float32(b.size)
	sy := float32(frame.Height) / float32(b.size)

	var (
		boxes   []image.Rectangle
		scores  []float32
		classes []int
	)
	for k := 0; k < anchors; k++ {
		classID, best := -1, float32(0)
		for r := 4; r < rows; r++ {
			if s := table.GetFloatAt(r, k); s > best {
				classID, best = r-4, s
			}
		}
		if best < candidateFloor {
			continue
		}

		cx := table.GetFloatAt(0, k) * sx
		cy := table.GetFloatAt(1, k) * sy
		w := table.GetFloatAt(2, k) * sx
		h := table.GetFloatAt(3, k) * sy
		box := image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2))

		boxes = append(boxes, box.Intersect(image.Rect(0, 0, frame.Width, frame.Height)))
		scores = append(scores, best)
		classes = append(classes, classID)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, candidateFloor, b.nms)
	dets := make([]RawDetection, 0, len(keep))
	for _, i := range keep {
		dets = append(dets, RawDetection{
			ClassID:    classes[i],
			Confidence: float64(min(scores[i], 1)),
			Box:        boxes[i],
		})
	}
	return dets, nil
}

func (b *ONNXDetectorBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.net.Close()
}
