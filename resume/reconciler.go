// Package resume repairs a partially-generated output directory into a
// consistent state and computes how much work is left, so an interrupted run
// can pick up where it stopped.
package resume

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"synthgen/checkpoint"
)

const (
	// ImageExt matches the renderer's output naming.
	ImageExt = ".PNG"
	// LabelExt matches the renderer's label naming.
	LabelExt = ".txt"
)

// Result reports how much generation work remains after reconciliation.
type Result struct {
	Remaining  int
	StartIndex int
}

// Reconciler runs once, strictly before any worker starts. It owns the
// output directories and the marker log for the duration of its single pass.
type Reconciler struct {
	imageDir string
	labelDir string
	markers  *checkpoint.Log
	logger   *zap.Logger
}

func NewReconciler(imageDir, labelDir string, markers *checkpoint.Log, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		imageDir: imageDir,
		labelDir: labelDir,
		markers:  markers,
		logger:   logger,
	}
}

// Run prunes corrupt files, enforces image/label pairing, renumbers the
// survivors into a contiguous zero-based index space, and returns the
// remaining unit count and starting index. Running it twice without
// intervening writes is a no-op with an identical result.
func (r *Reconciler) Run(requested int) (Result, error) {
	markerSet, err := r.markers.Load()
	if err != nil {
		return Result{}, err
	}
	markersChanged := false

	if err := r.pruneEmptyImages(); err != nil {
		return Result{}, err
	}

	images, err := listByStem(r.imageDir, ImageExt, r.logger)
	if err != nil {
		return Result{}, err
	}
	labels, err := listByStem(r.labelDir, LabelExt, r.logger)
	if err != nil {
		return Result{}, err
	}

	// Pairing validation: a stem missing either side is an orphan.
	for stem, name := range images {
		if _, ok := labels[stem]; ok {
			continue
		}
		r.logger.Warn("Removing image without matching label", zap.String("file", name))
		if err := os.Remove(filepath.Join(r.imageDir, name)); err != nil {
			return Result{}, fmt.Errorf("failed to remove orphaned image %s: %w", name, err)
		}
		if _, marked := markerSet[name]; marked {
			delete(markerSet, name)
			markersChanged = true
		}
		delete(images, stem)
	}
	for stem, name := range labels {
		if _, ok := images[stem]; ok {
			continue
		}
		r.logger.Warn("Removing label without matching image", zap.String("file", name))
		if err := os.Remove(filepath.Join(r.labelDir, name)); err != nil {
			return Result{}, fmt.Errorf("failed to remove orphaned label %s: %w", name, err)
		}
		delete(labels, stem)
	}

	valid := len(images)
	if valid >= requested {
		if markersChanged {
			if err := r.markers.Rewrite(markerSet); err != nil {
				return Result{}, err
			}
		}
		r.logger.Info("Output already sufficient",
			zap.Int("valid_outputs", valid),
			zap.Int("requested", requested),
		)
		return Result{}, nil
	}

	// Renumber images, labels, and marker entries from one explicit
	// ordering by prior numeric stem. Later worker output is named by
	// absolute index and must never collide with the survivors.
	stems := make([]int, 0, len(images))
	for stem := range images {
		stems = append(stems, stem)
	}
	sort.Ints(stems)

	for i, stem := range stems {
		if stem == i {
			continue
		}
		oldImage := images[stem]
		newImage := strconv.Itoa(i) + ImageExt
		if err := os.Rename(filepath.Join(r.imageDir, oldImage), filepath.Join(r.imageDir, newImage)); err != nil {
			return Result{}, fmt.Errorf("failed to renumber image %s: %w", oldImage, err)
		}
		oldLabel := labels[stem]
		newLabel := strconv.Itoa(i) + LabelExt
		if err := os.Rename(filepath.Join(r.labelDir, oldLabel), filepath.Join(r.labelDir, newLabel)); err != nil {
			return Result{}, fmt.Errorf("failed to renumber label %s: %w", oldLabel, err)
		}
		if _, marked := markerSet[oldImage]; marked {
			delete(markerSet, oldImage)
			markerSet[newImage] = struct{}{}
			markersChanged = true
		}
	}

	// Marker entries for files that no longer exist are stale.
	current := make(map[string]struct{}, len(stems))
	for i := range stems {
		current[strconv.Itoa(i)+ImageExt] = struct{}{}
	}
	for name := range markerSet {
		if _, ok := current[name]; !ok {
			delete(markerSet, name)
			markersChanged = true
		}
	}

	if markersChanged {
		if err := r.markers.Rewrite(markerSet); err != nil {
			return Result{}, err
		}
	}

	return Result{Remaining: requested - valid, StartIndex: valid}, nil
}

// pruneEmptyImages deletes zero-byte files from the image directory; a
// completed render is never empty.
func (r *Reconciler) pruneEmptyImages() error {
	entries, err := os.ReadDir(r.imageDir)
	if err != nil {
		return fmt.Errorf("failed to read image directory %s: %w", r.imageDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}
		if info.Size() == 0 {
			r.logger.Warn("Removing zero-byte image", zap.String("file", entry.Name()))
			if err := os.Remove(filepath.Join(r.imageDir, entry.Name())); err != nil {
				return fmt.Errorf("failed to remove corrupt image %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

// listByStem maps numeric stem to filename for files carrying the expected
// extension. Files that do not fit the naming scheme are left alone and
// reported; they cannot collide with index-named output.
func listByStem(dir, ext string, logger *zap.Logger) (map[int]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	byStem := make(map[int]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ext) {
			logger.Warn("Ignoring file with unexpected extension",
				zap.String("dir", dir),
				zap.String("file", name),
			)
			continue
		}
		stem, err := strconv.Atoi(strings.TrimSuffix(name, ext))
		if err != nil {
			logger.Warn("Ignoring file with non-numeric stem",
				zap.String("dir", dir),
				zap.String("file", name),
			)
			continue
		}
		byStem[stem] = name
	}
	return byStem, nil
}
