// Package audio converts finished raw call recordings into MP3 and lays
// them out under a year/month/day tree mirroring the PBX monitor spool.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/b24link/b24link/internal/config"
)

// Runner executes the external encoder command. The default shells out to
// ffmpeg; tests substitute a stub.
type Runner func(ctx context.Context, wavPath, mp3Path string) error

// ffmpegRunner encodes with ffmpeg, overwriting any previous output.
func ffmpegRunner(ctx context.Context, wavPath, mp3Path string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", wavPath, "-codec:a", "libmp3lame", "-qscale:a", "4", mp3Path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Converter turns raw WAV recordings into MP3 files under the configured
// recording root.
type Converter struct {
	mp3Dir     string
	keepSource bool
	run        Runner
	logger     *slog.Logger
}

func NewConverter(cfg config.RecordsConfig, logger *slog.Logger) *Converter {
	return &Converter{
		mp3Dir:     cfg.MP3Dir,
		keepSource: cfg.KeepSource,
		run:        ffmpegRunner,
		logger:     logger,
	}
}

// Encode converts the raw recording and returns the MP3 path. The output
// lands under <mp3Dir>/<year>/<month>/<day>/, with the date segments
// taken from the tail of the source path. The source file is removed
// afterwards unless keep_source is set.
func (c *Converter) Encode(ctx context.Context, wavPath string) (string, error) {
	if _, err := os.Stat(wavPath); err != nil {
		return "", fmt.Errorf("recording not found: %w", err)
	}

	mp3Path, err := c.outputPath(wavPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(mp3Path), 0o755); err != nil {
		return "", fmt.Errorf("creating recording directory: %w", err)
	}

	if err := c.run(ctx, wavPath, mp3Path); err != nil {
		return "", fmt.Errorf("encoding %s: %w", wavPath, err)
	}
	c.logger.Debug("recording converted", "source", wavPath, "output", mp3Path)

	if !c.keepSource {
		if err := os.Remove(wavPath); err != nil {
			c.logger.Warn("source recording not removed", "path", wavPath, "error", err)
		}
	}
	return mp3Path, nil
}

// outputPath maps a spool path like …/2026/08/25/A.wav onto the MP3 tree.
func (c *Converter) outputPath(wavPath string) (string, error) {
	parts := strings.Split(filepath.ToSlash(wavPath), "/")
	if len(parts) < 4 {
		return "", fmt.Errorf("recording path %q has no year/month/day segments", wavPath)
	}
	year, month, day := parts[len(parts)-4], parts[len(parts)-3], parts[len(parts)-2]

	base := filepath.Base(wavPath)
	base = strings.TrimSuffix(base, filepath.Ext(base)) + ".mp3"
	return filepath.Join(c.mp3Dir, year, month, day, base), nil
}
