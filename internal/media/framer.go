package media

// Framer re-chunks an arbitrary byte stream of μ-law audio into fixed
// FrameSize frames. Provider audio deltas are not frame aligned, so the
// remainder of one delta is carried into the next.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	pending []byte
}

// Push appends audio and returns every complete frame now available. The
// returned frames are freshly allocated and owned by the caller.
func (f *Framer) Push(audio []byte) [][]byte {
	f.pending = append(f.pending, audio...)
	n := len(f.pending) / FrameSize
	if n == 0 {
		return nil
	}
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, FrameSize)
		copy(frame, f.pending[i*FrameSize:(i+1)*FrameSize])
		frames = append(frames, frame)
	}
	rest := len(f.pending) - n*FrameSize
	copy(f.pending, f.pending[n*FrameSize:])
	f.pending = f.pending[:rest]
	return frames
}

// Flush returns the buffered partial frame padded with μ-law silence, or nil
// if nothing is pending.
func (f *Framer) Flush() []byte {
	if len(f.pending) == 0 {
		return nil
	}
	frame := make([]byte, FrameSize)
	n := copy(frame, f.pending)
	for i := n; i < FrameSize; i++ {
		frame[i] = UlawSilence
	}
	f.pending = f.pending[:0]
	return frame
}

// Reset discards any buffered partial frame.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (f *Framer) Pending() int {
	return len(f.pending)
}
