// Package postprocess applies the randomized blur/noise pipeline to newly
// generated images exactly once, tracked through the checkpoint log.
package postprocess

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"synthgen/checkpoint"
	"synthgen/config"
)

// Processor owns the post-generation transform pass. It is the only writer
// of the image directory and the marker log while it runs.
type Processor struct {
	imageDir string
	markers  *checkpoint.Log
	noise    config.Transform
	blur     config.Transform
	verbose  bool
	rng      *rand.Rand
	logger   *zap.Logger
}

func NewProcessor(cfg *config.Config, markers *checkpoint.Log, rng *rand.Rand, logger *zap.Logger) *Processor {
	return &Processor{
		imageDir: cfg.ImageDir(),
		markers:  markers,
		noise:    cfg.Noise,
		blur:     cfg.Blur,
		verbose:  cfg.Verbose,
		rng:      rng,
		logger:   logger,
	}
}

// Run processes every image not yet present in the marker log, appending the
// marker immediately after each file's write so a crash loses at most the
// one in-flight file. A file where no transform fires is still marked.
func (p *Processor) Run(ctx context.Context) error {
	processed, err := p.markers.Load()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(p.imageDir)
	if err != nil {
		return fmt.Errorf("failed to read image directory %s: %w", p.imageDir, err)
	}
	onDisk := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			onDisk[entry.Name()] = struct{}{}
		}
	}

	// Stale markers refer to files that were renamed or deleted since; the
	// pass must end with markers and files in exact correspondence.
	stale := false
	for name := range processed {
		if _, ok := onDisk[name]; !ok {
			p.logger.Warn("Dropping stale checkpoint entry", zap.String("file", name))
			delete(processed, name)
			stale = true
		}
	}
	if stale {
		if err := p.markers.Rewrite(processed); err != nil {
			return err
		}
	}

	pending := make([]string, 0, len(onDisk))
	for name := range onDisk {
		if _, done := processed[name]; !done {
			pending = append(pending, name)
		}
	}
	sortByStem(pending)

	if len(pending) == 0 {
		p.logger.Info("Post-processing already complete")
		return nil
	}
	p.logger.Info("Starting post-processing", zap.Int("pending", len(pending)))

	var bar *progressbar.ProgressBar
	if !p.verbose {
		bar = progressbar.Default(int64(len(pending)), "Post-processing")
	}

	for _, name := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.processOne(name); err != nil {
			return err
		}
		if err := p.markers.Append(name); err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return nil
}

func (p *Processor) processOne(name string) error {
	doBlur := p.rng.Float64() <= p.blur.Probability
	doNoise := p.rng.Float64() <= p.noise.Probability
	if !doBlur && !doNoise {
		return nil
	}

	path := filepath.Join(p.imageDir, name)
	src, err := imaging.Open(path)
	if err != nil {
		// A completed image that cannot be read points at an upstream
		// defect and must not be skipped silently.
		return fmt.Errorf("failed to read completed image %s: %w", name, err)
	}

	img := imaging.Clone(src)
	if doBlur {
		sigma := p.blur.Min + p.rng.Float64()*(p.blur.Max-p.blur.Min)
		img = imaging.Blur(img, sigma)
		p.logger.Debug("Applied gaussian blur", zap.String("file", name), zap.Float64("sigma", sigma))
	}
	if doNoise {
		amount := p.noise.Min + p.rng.Float64()*(p.noise.Max-p.noise.Min)
		saltPepper(img, amount, p.rng)
		p.logger.Debug("Applied salt-and-pepper noise", zap.String("file", name), zap.Float64("amount", amount))
	}

	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to write post-processed image %s: %w", name, err)
	}
	return nil
}

// saltPepper flips roughly amount of the pixels to pure black or white, half
// each, in place.
func saltPepper(img *image.NRGBA, amount float64, rng *rand.Rand) {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if rng.Float64() >= amount {
				continue
			}
			if rng.Float64() < 0.5 {
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}
}

// sortByStem orders filenames by numeric stem, falling back to name order
// for anything unparsable.
func sortByStem(names []string) {
	sort.Slice(names, func(i, j int) bool {
		a, errA := strconv.Atoi(strings.TrimSuffix(names[i], filepath.Ext(names[i])))
		b, errB := strconv.Atoi(strings.TrimSuffix(names[j], filepath.Ext(names[j])))
		if errA != nil || errB != nil {
			return names[i] < names[j]
		}
		return a < b
	})
}
