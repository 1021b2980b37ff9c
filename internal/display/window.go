package display

import (
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/watchpost/internal/capture"
)

// KeyEsc is the key code that closes the window sink.
const KeyEsc = 27

// WindowSink shows frames in a native OpenCV window. Show must be called
// from the thread that created the sink.
type WindowSink struct {
	window *gocv.Window
	quit   chan struct{}
	once   sync.Once
}

// NewWindowSink opens a window with the given title.
func NewWindowSink(title string) *WindowSink {
	return &WindowSink{
		window: gocv.NewWindow(title),
		quit:   make(chan struct{}),
	}
}

// Show draws ann over frame and pumps the window's event loop once. Esc
// closes the Quit channel.
func (w *WindowSink) Show(frame *capture.Frame, ann Annotations) error {
	mat, err := Annotate(frame, ann)
	if err != nil {
		return err
	}
	defer mat.Close()

	w.window.IMShow(mat)
	if w.window.WaitKey(1) == KeyEsc {
		w.once.Do(func() { close(w.quit) })
	}
	return nil
}

func (w *WindowSink) Quit() <-chan struct{} {
	return w.quit
}

func (w *WindowSink) Close() error {
	return w.window.Close()
}
