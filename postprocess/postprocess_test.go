package postprocess

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"synthgen/checkpoint"
	"synthgen/config"
)

func writeTestImage(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write test image: %v", err)
	}
}

func newTestConfig(root string, noise, blur config.Transform) *config.Config {
	return &config.Config{
		Samples:        1,
		Workers:        1,
		RendererBinary: "renderer",
		OutputRoot:     root,
		Verbose:        true,
		Noise:          noise,
		Blur:           blur,
	}
}

func setup(t *testing.T, noise, blur config.Transform) (*Processor, *checkpoint.Log, string) {
	t.Helper()
	root := t.TempDir()
	cfg := newTestConfig(root, noise, blur)
	if err := os.MkdirAll(cfg.ImageDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	markers := checkpoint.New(cfg.MarkerFile())
	rng := rand.New(rand.NewSource(1))
	return NewProcessor(cfg, markers, rng, zaptest.NewLogger(t)), markers, cfg.ImageDir()
}

func TestProcessor_NoopTransformStillMarks(t *testing.T) {
	proc, markers, imageDir := setup(t, config.Transform{}, config.Transform{})
	writeTestImage(t, filepath.Join(imageDir, "0.PNG"))
	before, err := os.ReadFile(filepath.Join(imageDir, "0.PNG"))
	if err != nil {
		t.Fatal(err)
	}

	if err := proc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	set, err := markers.Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := set["0.PNG"]; !ok {
		t.Error("unmodified file was not marked processed")
	}
	after, err := os.ReadFile(filepath.Join(imageDir, "0.PNG"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("no-op pass modified the image")
	}
}

func TestProcessor_AppliesTransformsAndMarks(t *testing.T) {
	noise := config.Transform{Probability: 1, Min: 0.05, Max: 0.1}
	blur := config.Transform{Probability: 1, Min: 0.5, Max: 1.5}
	proc, markers, imageDir := setup(t, noise, blur)

	for _, name := range []string{"0.PNG", "1.PNG"} {
		writeTestImage(t, filepath.Join(imageDir, name))
	}
	before, err := os.ReadFile(filepath.Join(imageDir, "0.PNG"))
	if err != nil {
		t.Fatal(err)
	}

	if err := proc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	after, err := os.ReadFile(filepath.Join(imageDir, "0.PNG"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before, after) {
		t.Error("transforms at probability 1 left the image unchanged")
	}
	set, err := markers.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 {
		t.Errorf("expected 2 markers, got %d", len(set))
	}
}

func TestProcessor_MarkerSetMatchesOutputSetAfterPass(t *testing.T) {
	proc, markers, imageDir := setup(t, config.Transform{Probability: 0.5, Max: 0.1}, config.Transform{})
	names := []string{"0.PNG", "1.PNG", "2.PNG"}
	for _, name := range names {
		writeTestImage(t, filepath.Join(imageDir, name))
	}

	if err := proc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	set, err := markers.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != len(names) {
		t.Fatalf("expected %d markers, got %d", len(names), len(set))
	}
	for _, name := range names {
		if _, ok := set[name]; !ok {
			t.Errorf("marker missing for %s", name)
		}
	}
}

func TestProcessor_AlreadyProcessedFilesAreSkipped(t *testing.T) {
	noise := config.Transform{Probability: 1, Min: 0.2, Max: 0.3}
	proc, markers, imageDir := setup(t, noise, config.Transform{})
	writeTestImage(t, filepath.Join(imageDir, "0.PNG"))
	if err := markers.Append("0.PNG"); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(filepath.Join(imageDir, "0.PNG"))
	if err != nil {
		t.Fatal(err)
	}

	if err := proc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	after, err := os.ReadFile(filepath.Join(imageDir, "0.PNG"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("already-processed file was transformed again")
	}
}

func TestProcessor_StaleMarkersArePruned(t *testing.T) {
	proc, markers, imageDir := setup(t, config.Transform{}, config.Transform{})
	writeTestImage(t, filepath.Join(imageDir, "0.PNG"))
	if err := markers.Append("99.PNG"); err != nil {
		t.Fatal(err)
	}

	if err := proc.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	set, err := markers.Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, stale := set["99.PNG"]; stale {
		t.Error("stale marker survived the pass")
	}
	if _, ok := set["0.PNG"]; !ok {
		t.Error("marker missing for existing file")
	}
}

func TestProcessor_UnreadableImageIsFatal(t *testing.T) {
	noise := config.Transform{Probability: 1, Min: 0.2, Max: 0.3}
	proc, _, imageDir := setup(t, noise, config.Transform{})
	if err := os.WriteFile(filepath.Join(imageDir, "0.PNG"), []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := proc.Run(context.Background()); err == nil {
		t.Fatal("expected error for unreadable image, got nil")
	}
}

func TestSaltPepper_FlipsRoughlyAmount(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
		}
	}

	saltPepper(img, 0.1, rand.New(rand.NewSource(7)))

	flipped := 0
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			c := img.NRGBAAt(x, y)
			if c.R != 100 {
				flipped++
			}
		}
	}
	if flipped < 700 || flipped > 1300 {
		t.Errorf("expected roughly 1000 flipped pixels, got %d", flipped)
	}
}
