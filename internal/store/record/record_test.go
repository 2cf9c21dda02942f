package record

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cjeanneret/sortcam/internal/logic/bayer"
)

func frame(w, h int, shade byte) bayer.ColorFrame {
	f := bayer.ColorFrame{Width: w, Height: h, Pix: make([]byte, w*h*3)}
	for i := range f.Pix {
		f.Pix[i] = shade + byte(i)
	}
	return f
}

func TestRecorder_WritesAVI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.avi")
	r, err := Create(path, 16, 8, 10, 90)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.Tap(uint64(i), frame(16, 8, byte(i*40))); err != nil {
			t.Fatalf("Tap %d: %v", i, err)
		}
	}
	if r.Frames() != 3 {
		t.Errorf("frames = %d, want 3", r.Frames())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 12 || !bytes.Equal(data[:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("AVI ")) {
		t.Errorf("not an AVI file: % x", data[:min(12, len(data))])
	}
	// JPEG start-of-image markers, one per frame.
	if n := bytes.Count(data, []byte{0xff, 0xd8, 0xff}); n < 3 {
		t.Errorf("found %d JPEG frames, want at least 3", n)
	}
}

func TestRecorder_RejectsWrongSize(t *testing.T) {
	r, err := Create(filepath.Join(t.TempDir(), "out.avi"), 16, 8, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.Tap(0, frame(8, 8, 0)); !errors.Is(err, ErrFrameSize) {
		t.Errorf("err = %v, want ErrFrameSize", err)
	}
}

func TestRecorder_TapAfterClose(t *testing.T) {
	r, err := Create(filepath.Join(t.TempDir(), "out.avi"), 4, 4, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Tap(0, frame(4, 4, 0)); err == nil {
		t.Error("Tap after Close should fail")
	}
}

func TestCreate_BadPath(t *testing.T) {
	if _, err := Create(filepath.Join(t.TempDir(), "missing", "out.avi"), 4, 4, 0, 0); err == nil {
		t.Error("expected error for missing directory")
	}
}
