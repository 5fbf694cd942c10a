package normalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/audio"
	"github.com/sdko-org/audio-pipeline/internal/models"
	"github.com/sirupsen/logrus"
)

// loudnormStats is the JSON block ffmpeg's loudnorm filter prints with
// print_format=json. Values are strings in ffmpeg's output.
type loudnormStats struct {
	InputI      string `json:"input_i"`
	InputTP     string `json:"input_tp"`
	InputLRA    string `json:"input_lra"`
	InputThresh string `json:"input_thresh"`
}

// Analyzer measures loudness with a loudnorm analysis pass.
type Analyzer struct {
	engine  *FFmpegEngine
	timeout time.Duration
	log     *logrus.Entry
}

func NewAnalyzer(logger *logrus.Logger, engine *FFmpegEngine, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Analyzer{
		engine:  engine,
		timeout: timeout,
		log:     logger.WithField("component", "quality_analyzer"),
	}
}

// Analyze returns measured quality metrics, or audio.DefaultQualityProfile
// (Measured=false) when the analysis cannot be performed.
func (a *Analyzer) Analyze(ctx context.Context, data []byte, format models.Format) audio.QualityReport {
	report, err := a.measure(ctx, data, format)
	if err != nil {
		a.log.WithError(err).WithField("format", format).Warn("Quality analysis unavailable, reporting default profile")
		return audio.DefaultQualityProfile()
	}
	return report
}

func (a *Analyzer) measure(ctx context.Context, data []byte, format models.Format) (audio.QualityReport, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var stats loudnormStats
	err := a.engine.withTempInput(data, format, func(_ string, inputPath string) error {
		stderr, err := a.engine.runner.Run(ctx, a.engine.binary,
			"-hide_banner", "-nostdin", "-i", inputPath,
			"-af", "loudnorm=I=-23:TP=-1:LRA=7:print_format=json",
			"-f", "null", "-")
		if err != nil {
			return fmt.Errorf("ffmpeg analysis failed: %w", err)
		}
		return parseLoudnormStats(stderr, &stats)
	})
	if err != nil {
		return audio.QualityReport{}, err
	}

	var values [3]float64
	for i, s := range []string{stats.InputI, stats.InputTP, stats.InputLRA} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return audio.QualityReport{}, fmt.Errorf("invalid loudnorm value %q: %w", s, err)
		}
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return audio.QualityReport{}, fmt.Errorf("non-finite loudnorm value %q", s)
		}
		values[i] = v
	}

	return audio.QualityReport{
		IntegratedLoudness: values[0],
		TruePeak:           values[1],
		LoudnessRange:      values[2],
		DynamicRange:       values[1] - values[0],
		Measured:           true,
	}, nil
}

func parseLoudnormStats(stderr []byte, stats *loudnormStats) error {
	start := bytes.LastIndexByte(stderr, '{')
	end := bytes.LastIndexByte(stderr, '}')
	if start < 0 || end < start {
		return errors.New("loudnorm output not found")
	}
	if err := json.Unmarshal(stderr[start:end+1], stats); err != nil {
		return fmt.Errorf("failed to decode loudnorm output: %w", err)
	}
	return nil
}
