package scanner

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"

	"github.com/kozaktomas/fingermatch/internal/features"
	"github.com/kozaktomas/fingermatch/internal/logging"
	"github.com/kozaktomas/fingermatch/internal/matcher"
	"github.com/kozaktomas/fingermatch/internal/raster"
)

// ridgeImage draws a random mix of Gaussian blobs so that SIFT finds a
// stable set of keypoints.
func ridgeImage(seed int64) *image.Gray {
	const width, height = 96, 103
	rng := rand.New(rand.NewSource(seed))
	type blob struct{ x, y, sigma, amp float64 }
	blobs := make([]blob, 25)
	for i := range blobs {
		amp := 80 + rng.Float64()*70
		if rng.Intn(2) == 0 {
			amp = -amp
		}
		blobs[i] = blob{
			x:     10 + rng.Float64()*(width-20),
			y:     10 + rng.Float64()*(height-20),
			sigma: 1.5 + rng.Float64()*3,
			amp:   amp,
		}
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			v := 128.0
			for _, b := range blobs {
				dx, dy := float64(x)-b.x, float64(y)-b.y
				v += b.amp * math.Exp(-(dx*dx+dy*dy)/(2*b.sigma*b.sigma))
			}
			img.SetGray(x, y, color.Gray{Y: uint8(math.Max(0, math.Min(255, v)))})
		}
	}
	return img
}

func whiteImage(width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

func writeBMP(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, img); err != nil {
		t.Fatalf("encode bmp: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFindBestMatch_SelfMatchWithSIFT(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SIFT scan in short mode")
	}

	root := t.TempDir()
	corpus := filepath.Join(root, "corpus")
	if err := os.Mkdir(corpus, 0o755); err != nil {
		t.Fatal(err)
	}

	samplePath := filepath.Join(root, "sample.bmp")
	writeBMP(t, samplePath, ridgeImage(1))
	writeBMP(t, filepath.Join(corpus, "100__M_Left_index_finger.bmp"), ridgeImage(2))
	writeBMP(t, filepath.Join(corpus, "101__F_Right_thumb_finger.bmp"), ridgeImage(3))
	writeBMP(t, filepath.Join(corpus, "102__M_Left_little_finger.bmp"), ridgeImage(1))
	writeBMP(t, filepath.Join(corpus, "103__F_Left_ring_finger.bmp"), whiteImage(96, 103))

	sample, err := raster.Load(samplePath)
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}

	factory, err := matcher.NewFactory(matcher.DefaultOptions())
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	s := New(features.NewSIFT(features.DefaultParams()), factory, Options{
		Workers:   2,
		Algorithm: "kdforest",
		Logger:    logging.Discard(),
	})

	run := func() *Result {
		result, err := s.FindBestMatch(context.Background(), sample, corpus, nil)
		if err != nil {
			t.Fatalf("FindBestMatch failed: %v", err)
		}
		return result
	}

	first := run()
	if !first.Found() {
		t.Fatal("expected a match")
	}
	if first.Best.Filename != "102__M_Left_little_finger.bmp" {
		t.Errorf("expected the identical image to win, got %s (%.2f)", first.Best.Filename, first.Best.Score)
	}
	if first.Summary.SkipReasons[ReasonNoFeatures] != 1 {
		t.Errorf("expected the blank image to be skipped, got %v", first.Summary.SkipReasons)
	}

	second := run()
	if second.Best.Filename != first.Best.Filename || math.Abs(second.Best.Score-first.Best.Score) > 1e-6 {
		t.Errorf("scans differ: %s %.6f vs %s %.6f",
			first.Best.Filename, first.Best.Score, second.Best.Filename, second.Best.Score)
	}
}
