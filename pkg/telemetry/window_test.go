package telemetry

import (
	"errors"
	"testing"
)

func makeFrames(n int) []Frame {
	frames := make([]Frame, n)
	for i := range frames {
		frames[i] = Frame{ChannelSpeed: float64(i), ChannelRPM: float64(i * 100)}
	}
	return frames
}

func TestBuildWindowsCountAndIndexes(t *testing.T) {
	for _, tc := range []struct{ n, size, want int }{
		{10, 10, 1},
		{11, 10, 2},
		{25, 10, 16},
		{5, 3, 3},
	} {
		windows, err := BuildWindows(makeFrames(tc.n), tc.size)
		if err != nil {
			t.Fatalf("n=%d size=%d: %v", tc.n, tc.size, err)
		}
		if len(windows) != tc.want {
			t.Fatalf("n=%d size=%d: got %d windows, want %d", tc.n, tc.size, len(windows), tc.want)
		}
		for i, w := range windows {
			if len(w.Frames) != tc.size {
				t.Fatalf("window %d has %d frames, want %d", i, len(w.Frames), tc.size)
			}
			if w.EndIndex != tc.size-1+i {
				t.Fatalf("window %d: EndIndex=%d, want %d", i, w.EndIndex, tc.size-1+i)
			}
		}
		// Last frame of each window must be the source frame at EndIndex.
		for _, w := range windows {
			if w.Frames[len(w.Frames)-1][ChannelSpeed] != float64(w.EndIndex) {
				t.Fatalf("window end frame does not match source index %d", w.EndIndex)
			}
		}
	}
}

func TestBuildWindowsInsufficientData(t *testing.T) {
	_, err := BuildWindows(makeFrames(7), 10)
	var ide *InsufficientDataError
	if !errors.As(err, &ide) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
	if ide.Have != 7 || ide.Want != 10 {
		t.Fatalf("unexpected error fields: %+v", ide)
	}
	// Zero frames is also a hard failure, not an empty result.
	if _, err := BuildWindows(nil, 10); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestBuildWindowsRejectsBadSize(t *testing.T) {
	if _, err := BuildWindows(makeFrames(5), 0); err == nil {
		t.Fatal("expected error for size 0")
	}
}

func TestFramesFromSeries(t *testing.T) {
	s := DefaultSchema()
	series := map[Channel][]float64{
		ChannelSpeed: {1, 2}, ChannelRPM: {3, 4}, ChannelThrottle: {5, 6},
		ChannelBrake: {0, 0}, ChannelGear: {3, 3}, ChannelDRS: {0, 1},
	}
	frames, err := FramesFromSeries(series, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1][ChannelRPM] != 4 {
		t.Fatalf("frame value mismatch: %v", frames[1])
	}

	delete(series, ChannelDRS)
	if _, err := FramesFromSeries(series, s); err == nil {
		t.Fatal("expected error for missing channel")
	}

	series[ChannelDRS] = []float64{0}
	if _, err := FramesFromSeries(series, s); err == nil {
		t.Fatal("expected error for ragged series")
	}
}
