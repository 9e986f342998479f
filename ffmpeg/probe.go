package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yummysource/clipforge-sub000/config"
)

// ffprobeOutput mirrors the JSON emitted by
// `ffprobe -print_format json -show_format -show_streams`.
type ffprobeOutput struct {
	Format *struct {
		Filename   string `json:"filename"`
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		Index      int    `json:"index"`
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		PixFmt     string `json:"pix_fmt"`
		RFrameRate string `json:"r_frame_rate"`
		NbFrames   string `json:"nb_frames"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
		Language   string `json:"language"`
	} `json:"streams"`
}

// VideoStream summarizes one codec_type == "video" stream.
type VideoStream struct {
	Index     int     `json:"index"`
	CodecName string  `json:"codecName"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate"`
	BitRate   int64   `json:"bitRate,omitempty"`
	PixFmt    string  `json:"pixFmt"`
	NbFrames  int64   `json:"nbFrames,omitempty"`
}

// AudioStream summarizes one codec_type == "audio" stream.
type AudioStream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codecName"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	BitRate    int64  `json:"bitRate,omitempty"`
}

// MediaInfo is the probed summary of one media file.
type MediaInfo struct {
	FilePath     string        `json:"filePath"`
	FileName     string        `json:"fileName"`
	FileSize     int64         `json:"fileSize"`
	FormatName   string        `json:"formatName"`
	Duration     float64       `json:"duration"`
	BitRate      int64         `json:"bitRate"`
	VideoStreams []VideoStream `json:"videoStreams"`
	AudioStreams []AudioStream `json:"audioStreams"`
}

// Prober runs ffprobe against local files.
type Prober struct {
	cfg *config.Config
}

func NewProber(cfg *config.Config) *Prober {
	return &Prober{cfg: cfg}
}

// Probe returns the parsed media info for filePath.
func (p *Prober) Probe(ctx context.Context, filePath string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.cfg.FFProbeBin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("ffprobe failed for %s: %s", filePath, msg)
	}

	return parseProbeOutput(filePath, stdout.Bytes())
}

func parseProbeOutput(filePath string, raw []byte) (*MediaInfo, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("could not parse ffprobe output: %w", err)
	}

	info := &MediaInfo{
		FilePath: filePath,
		FileName: filepath.Base(filePath),
	}
	if out.Format != nil {
		info.FormatName = out.Format.FormatName
		info.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
		info.FileSize, _ = strconv.ParseInt(out.Format.Size, 10, 64)
		info.BitRate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)
	}

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			bitRate, _ := strconv.ParseInt(s.BitRate, 10, 64)
			nbFrames, _ := strconv.ParseInt(s.NbFrames, 10, 64)
			info.VideoStreams = append(info.VideoStreams, VideoStream{
				Index:     s.Index,
				CodecName: s.CodecName,
				Width:     s.Width,
				Height:    s.Height,
				FrameRate: parseFrameRate(s.RFrameRate),
				BitRate:   bitRate,
				PixFmt:    s.PixFmt,
				NbFrames:  nbFrames,
			})
		case "audio":
			bitRate, _ := strconv.ParseInt(s.BitRate, 10, 64)
			sampleRate, _ := strconv.Atoi(s.SampleRate)
			info.AudioStreams = append(info.AudioStreams, AudioStream{
				Index:      s.Index,
				CodecName:  s.CodecName,
				SampleRate: sampleRate,
				Channels:   s.Channels,
				BitRate:    bitRate,
			})
		}
	}
	return info, nil
}

// parseFrameRate evaluates ffprobe's fractional r_frame_rate ("30000/1001").
func parseFrameRate(fraction string) float64 {
	parts := strings.SplitN(fraction, "/", 2)
	if len(parts) == 2 {
		num, err1 := strconv.ParseFloat(parts[0], 64)
		den, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 == nil && err2 == nil && den != 0 {
			return num / den
		}
		return 0
	}
	v, _ := strconv.ParseFloat(fraction, 64)
	return v
}
