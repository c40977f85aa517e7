// Package audit writes one screenshot per attempt and, optionally, a GIF of
// the whole run with pass/fail markers.
package audit

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/v0xg/steppilot/internal/config"
	"github.com/v0xg/steppilot/internal/gifgen"
	"github.com/v0xg/steppilot/internal/overlay"
	"go.uber.org/zap"
)

// GIFName is the file name of the run animation inside the run directory.
const GIFName = "run.gif"

type capture struct {
	path    string
	attempt int
	success bool
}

// Recorder stores screenshots under <root>/<runID>/.
type Recorder struct {
	dir    string
	cfg    config.AuditConfig
	total  int
	logger *zap.Logger

	mu       sync.Mutex
	captures []capture
}

// NewRecorder creates the run directory. total is the attempt budget, used
// for the progress bar in the GIF.
func NewRecorder(cfg config.AuditConfig, runID string, total int, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(cfg.Dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &Recorder{dir: dir, cfg: cfg, total: total, logger: logger.Named("audit")}, nil
}

// Capture writes the screenshot of an attempt as attempt_NNN.png.
func (r *Recorder) Capture(attempt int, shot []byte, success bool) (string, error) {
	path := filepath.Join(r.dir, fmt.Sprintf("attempt_%03d.png", attempt))
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}

	r.mu.Lock()
	r.captures = append(r.captures, capture{path: path, attempt: attempt, success: success})
	r.mu.Unlock()

	r.logger.Debug("Screenshot saved", zap.String("path", path), zap.Bool("success", success))
	return path, nil
}

// Finalize builds run.gif when enabled and returns the run directory.
func (r *Recorder) Finalize() (string, error) {
	if !r.cfg.GIF {
		return r.dir, nil
	}

	r.mu.Lock()
	captures := append([]capture(nil), r.captures...)
	r.mu.Unlock()
	if len(captures) == 0 {
		return r.dir, nil
	}

	frames := make([]image.Image, 0, len(captures))
	markers := make([]overlay.Marker, 0, len(captures))
	for _, c := range captures {
		img, err := decodePNG(c.path)
		if err != nil {
			r.logger.Warn("Skipping unreadable screenshot", zap.String("path", c.path), zap.Error(err))
			continue
		}
		frames = append(frames, img)
		markers = append(markers, overlay.Marker{Success: c.success, Attempt: c.attempt, Total: r.total})
	}
	if len(frames) == 0 {
		return r.dir, fmt.Errorf("no readable screenshots for %s", GIFName)
	}

	path := filepath.Join(r.dir, GIFName)
	size, err := gifgen.WriteFile(path, overlay.AnnotateAll(frames, markers), gifgen.Options{
		FPS:       r.cfg.FPS,
		HoldFinal: 200,
	})
	if err != nil {
		return r.dir, fmt.Errorf("failed to write %s: %w", GIFName, err)
	}
	r.logger.Info("Run animation written", zap.String("path", path), zap.Int64("bytes", size))
	return r.dir, nil
}

// Dir returns the run directory.
func (r *Recorder) Dir() string { return r.dir }

func decodePNG(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return png.Decode(bytes.NewReader(data))
}
