package audio

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/sdko-org/audio-pipeline/internal/models"
)

// Metadata describes an audio buffer. Durations are estimates unless the
// container header carries exact values (canonical WAV).
type Metadata struct {
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sampleRate"`
	BitDepth   int     `json:"bitDepth"`
	Channels   int     `json:"channels"`
	Bitrate    int     `json:"bitrate,omitempty"`
	Size       int64   `json:"size"`
}

type nominal struct {
	sampleRate int
	bitDepth   int
	channels   int
	// bitrate is the nominal encoded bitrate in bits per second; zero means
	// the format is PCM-like and the rate is derived from the sample layout.
	bitrate int
}

var nominals = map[models.Format]nominal{
	models.FormatMP3:  {sampleRate: 44100, bitDepth: 16, channels: 2, bitrate: 128000},
	models.FormatWAV:  {sampleRate: 44100, bitDepth: 16, channels: 2},
	models.FormatOGG:  {sampleRate: 44100, bitDepth: 16, channels: 2, bitrate: 160000},
	models.FormatOpus: {sampleRate: 48000, bitDepth: 16, channels: 2, bitrate: 64000},
	models.FormatFLAC: {sampleRate: 48000, bitDepth: 24, channels: 2},
	models.FormatWebM: {sampleRate: 48000, bitDepth: 16, channels: 2, bitrate: 128000},
}

// MetadataExtractor estimates stream properties without decoding. Lossy
// formats use a nominal bitrate, PCM-like formats use
// sampleRate*bitDepth*channels/8 bytes per second.
type MetadataExtractor struct{}

func NewMetadataExtractor() *MetadataExtractor {
	return &MetadataExtractor{}
}

func (e *MetadataExtractor) Extract(data []byte, format models.Format) Metadata {
	n, ok := nominals[format]
	if !ok {
		n = nominals[models.FormatWAV]
	}

	md := Metadata{
		SampleRate: n.sampleRate,
		BitDepth:   n.bitDepth,
		Channels:   n.channels,
		Bitrate:    n.bitrate,
		Size:       int64(len(data)),
	}

	if format == models.FormatWAV {
		if h, ok := parseWAVHeader(data); ok {
			md.SampleRate = h.sampleRate
			md.BitDepth = h.bitDepth
			md.Channels = h.channels
			if h.dataSize > 0 {
				md.Duration = round3(float64(h.dataSize) / float64(h.byteRate))
				return md
			}
		}
	}

	var bytesPerSecond float64
	if md.Bitrate > 0 {
		bytesPerSecond = float64(md.Bitrate) / 8
	} else {
		bytesPerSecond = float64(md.SampleRate*md.BitDepth*md.Channels) / 8
	}
	if bytesPerSecond > 0 {
		md.Duration = round3(float64(len(data)) / bytesPerSecond)
	}
	return md
}

type wavHeader struct {
	channels   int
	sampleRate int
	byteRate   int
	bitDepth   int
	dataSize   int
}

// parseWAVHeader walks RIFF chunks looking for "fmt " and "data". Values
// outside the supported ranges are treated as absent.
func parseWAVHeader(data []byte) (wavHeader, bool) {
	var h wavHeader
	if len(data) < 12 || !bytes.Equal(data[0:4], sigRIFF) || !bytes.Equal(data[8:12], sigWAVE) {
		return h, false
	}

	foundFmt := false
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return h, false
			}
			h.channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			h.sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			h.byteRate = int(binary.LittleEndian.Uint32(data[body+8:]))
			h.bitDepth = int(binary.LittleEndian.Uint16(data[body+14:]))
			foundFmt = true
		case "data":
			h.dataSize = size
			if remaining := len(data) - body; remaining < size {
				h.dataSize = remaining
			}
			off = len(data)
			continue
		}
		off = body + size + size%2
	}

	if !foundFmt || h.byteRate <= 0 {
		return h, false
	}
	if h.sampleRate < 8000 || h.sampleRate > 192000 {
		return h, false
	}
	switch h.bitDepth {
	case 8, 16, 24, 32:
	default:
		return h, false
	}
	if h.channels != 1 && h.channels != 2 {
		return h, false
	}
	return h, true
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
