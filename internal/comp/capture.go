package comp

// CaptureSource selects what a capture task reads back.
type CaptureSource int

const (
	// CaptureFramebuffer reads the full presentation framebuffer,
	// borders included.
	CaptureFramebuffer CaptureSource = iota
	// CaptureBlending reads the composited area only, before the
	// blend-to-output step when a shadow buffer is in use.
	CaptureBlending
)

func (s CaptureSource) String() string {
	if s == CaptureBlending {
		return "blending"
	}
	return "framebuffer"
}

// CaptureTask asks the renderer to copy one frame into Dest during the
// next repaint of the task's output. A task retires exactly once, either
// complete or failed with a reason; retiring twice is a bug and panics.
type CaptureTask struct {
	Source CaptureSource

	// Dest receives the pixels; the task holds a reference until it
	// retires.
	Dest *Buffer

	OnComplete func()
	OnFailed   func(reason string)

	output  *Output
	retired bool
}

// NewCaptureTask builds a task targeting dest. Register it with
// Output.AddCapture.
func NewCaptureTask(src CaptureSource, dest *Buffer, complete func(), failed func(reason string)) *CaptureTask {
	dest.Ref()
	return &CaptureTask{
		Source:     src,
		Dest:       dest,
		OnComplete: complete,
		OnFailed:   failed,
	}
}

// RetireComplete finishes the task successfully.
func (t *CaptureTask) RetireComplete() {
	t.retire()
	if t.OnComplete != nil {
		t.OnComplete()
	}
}

// RetireFailed finishes the task with a human-readable reason.
func (t *CaptureTask) RetireFailed(reason string) {
	t.retire()
	if t.OnFailed != nil {
		t.OnFailed(reason)
	}
}

// Cancel fails the task if it has not retired yet. Safe to call after
// retirement, unlike the retire calls themselves.
func (t *CaptureTask) Cancel() {
	if t.retired {
		return
	}
	t.RetireFailed("cancelled")
}

// Retired reports whether the task has already completed or failed.
func (t *CaptureTask) Retired() bool { return t.retired }

func (t *CaptureTask) retire() {
	if t.retired {
		panic("comp: capture task retired twice")
	}
	t.retired = true
	if t.output != nil {
		t.output.removeCapture(t)
		t.output = nil
	}
	t.Dest.Unref()
}
