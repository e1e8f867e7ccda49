package telemetry

import "fmt"

// Window is a fixed-length contiguous slice of a frame sequence. EndIndex is
// the 0-based position of the window's last frame in the source sequence.
type Window struct {
	Frames   []Frame
	EndIndex int
}

// InsufficientDataError reports fewer frames than one window requires.
// Callers can recover by supplying more data.
type InsufficientDataError struct {
	Have, Want int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d frames, need at least %d", e.Have, e.Want)
}

// BuildWindows slices frames into overlapping windows of the given size with
// stride 1, producing len(frames)-size+1 windows. The returned windows alias
// the input slice; callers must not mutate frames afterwards.
func BuildWindows(frames []Frame, size int) ([]Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", size)
	}
	if len(frames) < size {
		return nil, &InsufficientDataError{Have: len(frames), Want: size}
	}
	windows := make([]Window, 0, len(frames)-size+1)
	for end := size - 1; end < len(frames); end++ {
		windows = append(windows, Window{
			Frames:   frames[end-size+1 : end+1],
			EndIndex: end,
		})
	}
	return windows, nil
}
