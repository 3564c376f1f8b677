package overlay

// Frame records one active counted call.
type Frame struct {
	Stub   StubID
	Return uint32
}

// TrackingStack is the auxiliary stack of active counted calls. It lives
// apart from the execution stack so that the matching decrement can always
// find its row by identity, whatever happened to the table in between.
type TrackingStack struct {
	frames []Frame
	sp     int
}

// NewTrackingStack reserves room for depth frames.
func NewTrackingStack(depth int) *TrackingStack {
	return &TrackingStack{frames: make([]Frame, depth)}
}

// Push records a new active call.
func (s *TrackingStack) Push(f Frame) error {
	if s.sp >= len(s.frames) {
		return ErrTrackingOverflow
	}
	s.frames[s.sp] = f
	s.sp++
	return nil
}

// Pop removes and returns the most recent frame.
func (s *TrackingStack) Pop() (Frame, error) {
	if s.sp == 0 {
		return Frame{}, ErrTrackingUnderflow
	}
	s.sp--
	return s.frames[s.sp], nil
}

// Top returns the most recent frame without removing it.
func (s *TrackingStack) Top() (Frame, bool) {
	if s.sp == 0 {
		return Frame{}, false
	}
	return s.frames[s.sp-1], true
}

// Depth returns the number of active frames.
func (s *TrackingStack) Depth() int {
	return s.sp
}

// Capacity returns the reserved depth.
func (s *TrackingStack) Capacity() int {
	return len(s.frames)
}

// Count returns how many active frames belong to a stub.
func (s *TrackingStack) Count(id StubID) int {
	n := 0
	for _, f := range s.frames[:s.sp] {
		if f.Stub == id {
			n++
		}
	}
	return n
}

// Frames returns a copy of the active frames, oldest first.
func (s *TrackingStack) Frames() []Frame {
	out := make([]Frame, s.sp)
	copy(out, s.frames[:s.sp])
	return out
}
