package renderer

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"synthgen/config"
)

// Manifest is the serialized work order handed to a worker process as its
// final argument: the unit ids still owed plus the shared generation
// configuration the renderer needs.
type Manifest struct {
	Units    []int            `json:"units"`
	ImageDir string           `json:"image_dir"`
	LabelDir string           `json:"label_dir"`
	SceneDir string           `json:"scene_dir"`
	LogDir   string           `json:"log_dir"`
	Verbose  bool             `json:"verbose"`
	Noise    config.Transform `json:"sp_noise"`
	Blur     config.Transform `json:"gaussian_blur"`
}

// CommandBuilder creates a ready-to-start command for one worker attempt.
// The command must not be started yet.
type CommandBuilder interface {
	Build(ctx context.Context, ordinal int, remaining []int) (*exec.Cmd, error)
	Name() string
}

// RendererCommand builds commands for the configured renderer binary, passing
// the manifest JSON after an argument separator the way headless renderers
// expect script arguments.
type RendererCommand struct {
	cfg *config.Config
}

func NewRendererCommand(cfg *config.Config) *RendererCommand {
	return &RendererCommand{cfg: cfg}
}

func (b *RendererCommand) Name() string { return b.cfg.RendererBinary }

func (b *RendererCommand) Build(ctx context.Context, ordinal int, remaining []int) (*exec.Cmd, error) {
	manifest := Manifest{
		Units:    remaining,
		ImageDir: b.cfg.ImageDir(),
		LabelDir: b.cfg.LabelDir(),
		SceneDir: b.cfg.SceneDir(),
		LogDir:   b.cfg.LogDir(),
		Verbose:  b.cfg.Verbose,
		Noise:    b.cfg.Noise,
		Blur:     b.cfg.Blur,
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize work manifest: %w", err)
	}

	args := []string{"--background"}
	if b.cfg.RendererScript != "" {
		args = append(args, "--python", b.cfg.RendererScript)
	}
	args = append(args, "--", string(data))

	return exec.CommandContext(ctx, b.cfg.RendererBinary, args...), nil
}

// Preflight probes the renderer binary once before generation starts. A
// failing probe is reported but does not abort the run; the supervisors will
// surface a persistent launch problem on their own.
func Preflight(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	out, err := exec.CommandContext(ctx, cfg.RendererBinary, "--version").CombinedOutput()
	if err != nil {
		logger.Warn("Renderer preflight probe failed",
			zap.String("binary", cfg.RendererBinary),
			zap.Error(err),
		)
		return
	}
	logger.Info("Renderer probe succeeded",
		zap.String("binary", cfg.RendererBinary),
		zap.ByteString("version", out),
	)
}
