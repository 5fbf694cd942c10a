package normalizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sdko-org/audio-pipeline/internal/models"
	"github.com/sirupsen/logrus"
)

// CommandRunner executes an external program and returns its stderr.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stderr.Bytes(), ctxErr
	}
	return stderr.Bytes(), err
}

var codecArgs = map[models.Format][]string{
	models.FormatMP3:  {"-c:a", "libmp3lame", "-b:a", "128k"},
	models.FormatWAV:  {"-c:a", "pcm_s16le"},
	models.FormatOGG:  {"-c:a", "libvorbis", "-q:a", "5"},
	models.FormatOpus: {"-c:a", "libopus", "-b:a", "64k"},
	models.FormatFLAC: {"-c:a", "flac"},
	models.FormatWebM: {"-c:a", "libopus", "-b:a", "128k", "-f", "webm"},
}

// FFmpegEngine runs ffmpeg against temp files. Every call gets its own temp
// directory which is removed before returning.
type FFmpegEngine struct {
	binary  string
	tempDir string
	runner  CommandRunner
	log     *logrus.Entry
}

func NewFFmpegEngine(logger *logrus.Logger, binary, tempDir string) *FFmpegEngine {
	return NewFFmpegEngineWithRunner(logger, binary, tempDir, execRunner{})
}

func NewFFmpegEngineWithRunner(logger *logrus.Logger, binary, tempDir string, runner CommandRunner) *FFmpegEngine {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegEngine{
		binary:  binary,
		tempDir: tempDir,
		runner:  runner,
		log:     logger.WithField("component", "ffmpeg"),
	}
}

func (e *FFmpegEngine) Process(ctx context.Context, input []byte, format models.Format, filters string) ([]byte, error) {
	codec, ok := codecArgs[format]
	if !ok {
		return nil, fmt.Errorf("no encoder for format %q", format)
	}

	var out []byte
	err := e.withTempInput(input, format, func(dir, inputPath string) error {
		outputPath := filepath.Join(dir, "output."+string(format))
		args := []string{"-hide_banner", "-nostdin", "-y", "-i", inputPath, "-af", filters}
		args = append(args, codec...)
		args = append(args, outputPath)

		stderr, err := e.runner.Run(ctx, e.binary, args...)
		if err != nil {
			return fmt.Errorf("ffmpeg failed: %w: %s", err, tail(stderr, 512))
		}

		out, err = os.ReadFile(outputPath)
		if err != nil {
			return fmt.Errorf("failed to read ffmpeg output: %w", err)
		}
		if len(out) == 0 {
			return errors.New("ffmpeg produced empty output")
		}
		return nil
	})
	return out, err
}

// withTempInput writes input into a fresh temp directory and calls fn. The
// directory is removed on every path.
func (e *FFmpegEngine) withTempInput(input []byte, format models.Format, fn func(dir, inputPath string) error) error {
	dir, err := os.MkdirTemp(e.tempDir, "audio-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.log.WithError(err).WithField("dir", dir).Warn("Failed to remove temp dir")
		}
	}()

	inputPath := filepath.Join(dir, "input."+string(format))
	if err := os.WriteFile(inputPath, input, 0600); err != nil {
		return fmt.Errorf("failed to write temp input: %w", err)
	}
	return fn(dir, inputPath)
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}
