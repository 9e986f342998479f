package ffmpeg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Command assembles an ffmpeg argument vector in the order ffmpeg requires:
// global options, input options, -i inputs, output options, filter chains,
// output path. `-y -hide_banner` are always present.
type Command struct {
	preArgs       []string
	inputs        []string
	postArgs      []string
	videoFilters  []string
	audioFilters  []string
	complexFilter string
	output        string
}

func NewCommand() *Command {
	return &Command{preArgs: []string{"-y", "-hide_banner"}}
}

func (c *Command) Input(path string) *Command {
	c.inputs = append(c.inputs, path)
	return c
}

// PreArgs adds arguments placed before -i (e.g. -ss for fast seeking).
func (c *Command) PreArgs(args ...string) *Command {
	c.preArgs = append(c.preArgs, args...)
	return c
}

// Args adds output arguments placed after the inputs.
func (c *Command) Args(args ...string) *Command {
	c.postArgs = append(c.postArgs, args...)
	return c
}

func (c *Command) VideoCodec(codec string) *Command { return c.Args("-c:v", codec) }
func (c *Command) AudioCodec(codec string) *Command { return c.Args("-c:a", codec) }
func (c *Command) CRF(value int) *Command           { return c.Args("-crf", fmt.Sprintf("%d", value)) }
func (c *Command) Preset(preset string) *Command    { return c.Args("-preset", preset) }
func (c *Command) AudioBitrate(b string) *Command   { return c.Args("-b:a", b) }
func (c *Command) VideoBitrate(b string) *Command   { return c.Args("-b:v", b) }

func (c *Command) VideoFilter(filter string) *Command {
	c.videoFilters = append(c.videoFilters, filter)
	return c
}

func (c *Command) AudioFilter(filter string) *Command {
	c.audioFilters = append(c.audioFilters, filter)
	return c
}

func (c *Command) ComplexFilter(filter string) *Command {
	c.complexFilter = filter
	return c
}

func (c *Command) Output(path string) *Command {
	c.output = path
	return c
}

// Build produces the final argument vector.
func (c *Command) Build() []string {
	args := append([]string{}, c.preArgs...)
	for _, in := range c.inputs {
		args = append(args, "-i", in)
	}
	args = append(args, c.postArgs...)
	if len(c.videoFilters) > 0 {
		args = append(args, "-vf", strings.Join(c.videoFilters, ","))
	}
	if len(c.audioFilters) > 0 {
		args = append(args, "-af", strings.Join(c.audioFilters, ","))
	}
	if c.complexFilter != "" {
		args = append(args, "-filter_complex", c.complexFilter)
	}
	if c.output != "" {
		args = append(args, c.output)
	}
	return args
}

// ConvertParams describes a container/codec conversion.
type ConvertParams struct {
	InputPath   string `json:"inputPath" binding:"required"`
	OutputPath  string `json:"outputPath" binding:"required"`
	VideoCodec  string `json:"videoCodec"` // e.g. libx264, libx265, libvpx-vp9; "copy" remuxes
	AudioCodec  string `json:"audioCodec"`
	CRF         int    `json:"crf"`
	Preset      string `json:"preset"`
	HardwareAcc bool   `json:"hardwareAcc"`
}

func BuildConvert(p ConvertParams) []string {
	cmd := NewCommand()
	if p.HardwareAcc {
		cmd.PreArgs("-hwaccel", "auto")
	}
	cmd.Input(p.InputPath)

	videoCodec := p.VideoCodec
	if videoCodec == "" {
		videoCodec = "libx264"
	}
	cmd.VideoCodec(videoCodec)

	if videoCodec != "copy" {
		if p.CRF > 0 {
			cmd.CRF(p.CRF)
		}
		if p.Preset != "" {
			cmd.Preset(p.Preset)
		}
	}

	audioCodec := p.AudioCodec
	if audioCodec == "" {
		audioCodec = "aac"
	}
	cmd.AudioCodec(audioCodec)

	return cmd.Output(p.OutputPath).Build()
}

// CompressParams describes a size-oriented re-encode.
type CompressParams struct {
	InputPath  string `json:"inputPath" binding:"required"`
	OutputPath string `json:"outputPath" binding:"required"`
	CRF        int    `json:"crf"`    // higher = smaller; default 28
	Preset     string `json:"preset"` // default "medium"
}

func BuildCompress(p CompressParams) []string {
	crf := p.CRF
	if crf <= 0 {
		crf = 28
	}
	preset := p.Preset
	if preset == "" {
		preset = "medium"
	}
	return NewCommand().
		Input(p.InputPath).
		VideoCodec("libx264").
		CRF(crf).
		Preset(preset).
		AudioCodec("aac").
		AudioBitrate("128k").
		Output(p.OutputPath).
		Build()
}

// TrimParams cuts the segment [Start, End] out of the input.
type TrimParams struct {
	InputPath  string  `json:"inputPath" binding:"required"`
	OutputPath string  `json:"outputPath" binding:"required"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	ReEncode   bool    `json:"reEncode"` // stream copy by default: fast, keyframe-aligned
}

func BuildTrim(p TrimParams) []string {
	// -ss before -i seeks on the demuxer, which is much faster than
	// decoding up to the cut point.
	cmd := NewCommand().
		PreArgs("-ss", SecondsToTimestamp(p.Start))
	if p.End > p.Start {
		cmd.PreArgs("-to", SecondsToTimestamp(p.End))
	}
	cmd.Input(p.InputPath)
	if p.ReEncode {
		cmd.VideoCodec("libx264").AudioCodec("aac")
	} else {
		cmd.Args("-c", "copy")
	}
	return cmd.Output(p.OutputPath).Build()
}

// ExtractAudioParams pulls the audio track out of a video file.
type ExtractAudioParams struct {
	InputPath  string `json:"inputPath" binding:"required"`
	OutputPath string `json:"outputPath" binding:"required"`
	Codec      string `json:"codec"`   // default libmp3lame
	Bitrate    string `json:"bitrate"` // default 192k
}

func BuildExtractAudio(p ExtractAudioParams) []string {
	codec := p.Codec
	if codec == "" {
		codec = "libmp3lame"
	}
	bitrate := p.Bitrate
	if bitrate == "" {
		bitrate = "192k"
	}
	return NewCommand().
		Input(p.InputPath).
		Args("-vn").
		AudioCodec(codec).
		AudioBitrate(bitrate).
		Output(p.OutputPath).
		Build()
}

// GifParams converts a clip into an animated GIF.
type GifParams struct {
	InputPath  string  `json:"inputPath" binding:"required"`
	OutputPath string  `json:"outputPath" binding:"required"`
	FPS        int     `json:"fps"`   // default 12
	Width      int     `json:"width"` // default 480, height keeps aspect
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
}

// ResizeParams changes a video's resolution and/or frame rate.
type ResizeParams struct {
	InputPath  string  `json:"inputPath" binding:"required"`
	OutputPath string  `json:"outputPath" binding:"required"`
	Width      int     `json:"width"`  // 0 derives from the other dimension
	Height     int     `json:"height"` // 0 derives from the other dimension
	FPS        float64 `json:"fps"`
	KeepAspect bool    `json:"keepAspect"`
	AspectMode string  `json:"aspectMode"` // pad (default), crop, stretch
	ScaleAlgo  string  `json:"scaleAlgo"`  // default lanczos
}

func BuildResize(p ResizeParams) []string {
	cmd := NewCommand().Input(p.InputPath)

	algo := p.ScaleAlgo
	if algo == "" {
		algo = "lanczos"
	}

	if p.Width > 0 || p.Height > 0 {
		tw := p.Width
		if tw <= 0 {
			tw = 1920
		}
		th := p.Height
		if th <= 0 {
			th = 1080
		}
		mode := p.AspectMode
		if mode == "" {
			mode = "pad"
		}
		switch {
		case p.KeepAspect && mode == "pad":
			// Scale to fit inside the target box, then letterbox.
			cmd.VideoFilter(fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease:flags=%s", tw, th, algo))
			cmd.VideoFilter(fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black", tw, th))
		case p.KeepAspect && mode == "crop":
			// Scale to cover the target box, then cut the overflow.
			cmd.VideoFilter(fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase:flags=%s", tw, th, algo))
			cmd.VideoFilter(fmt.Sprintf("crop=%d:%d", tw, th))
		default:
			// Stretch, or a single dimension with -2 keeping the aspect.
			w := "-2"
			if p.Width > 0 {
				w = strconv.Itoa(p.Width)
			}
			h := "-2"
			if p.Height > 0 {
				h = strconv.Itoa(p.Height)
			}
			cmd.VideoFilter(fmt.Sprintf("scale=%s:%s:flags=%s", w, h, algo))
		}
	}

	if p.FPS > 0 {
		cmd.VideoFilter(fmt.Sprintf("fps=%g", p.FPS))
	}

	return cmd.
		VideoCodec("libx264").
		CRF(18).
		Preset("medium").
		AudioCodec("copy").
		Output(p.OutputPath).
		Build()
}

// MergeParams concatenates several inputs into one output. Without Normalize
// the inputs must share codec and parameters; the concat demuxer then remuxes
// them with no re-encode. Normalize re-encodes everything to a common
// resolution, frame rate and audio format first.
type MergeParams struct {
	InputPaths   []string `json:"inputPaths" binding:"required"`
	OutputPath   string   `json:"outputPath" binding:"required"`
	Normalize    bool     `json:"normalize"`
	TargetWidth  int      `json:"targetWidth"`  // normalize only, default 1920
	TargetHeight int      `json:"targetHeight"` // normalize only, default 1080
	TargetFPS    float64  `json:"targetFps"`    // normalize only, default 30
}

// BuildMerge assembles the merge command. In the remux case it writes the
// concat demuxer's list to a scratch file, so call it once per launch.
func BuildMerge(p MergeParams) ([]string, error) {
	if len(p.InputPaths) < 2 {
		return nil, fmt.Errorf("merge needs at least two inputs, got %d", len(p.InputPaths))
	}

	if !p.Normalize {
		list, err := writeConcatList(p.InputPaths)
		if err != nil {
			return nil, err
		}
		// -f concat and -safe 0 must precede -i.
		return NewCommand().
			PreArgs("-f", "concat", "-safe", "0").
			Input(list).
			VideoCodec("copy").
			AudioCodec("copy").
			Output(p.OutputPath).
			Build(), nil
	}

	w := p.TargetWidth
	if w <= 0 {
		w = 1920
	}
	h := p.TargetHeight
	if h <= 0 {
		h = 1080
	}
	fps := p.TargetFPS
	if fps <= 0 {
		fps = 30
	}

	// Bring every input to the same resolution, sample aspect, frame rate and
	// audio format, then feed the uniform streams into the concat filter.
	n := len(p.InputPaths)
	parts := make([]string, 0, 2*n)
	var concatIn strings.Builder
	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf(
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%g[v%d]",
			i, w, h, w, h, fps, i))
		parts = append(parts, fmt.Sprintf(
			"[%d:a]aresample=44100,aformat=sample_fmts=fltp:channel_layouts=stereo[a%d]", i, i))
		fmt.Fprintf(&concatIn, "[v%d][a%d]", i, i)
	}
	filter := fmt.Sprintf("%s;%sconcat=n=%d:v=1:a=1[v][a]", strings.Join(parts, ";"), concatIn.String(), n)

	cmd := NewCommand()
	for _, in := range p.InputPaths {
		cmd.Input(in)
	}
	return cmd.
		Args("-map", "[v]", "-map", "[a]").
		VideoCodec("libx264").
		CRF(18).
		Preset("medium").
		AudioCodec("aac").
		AudioBitrate("128k").
		Args("-movflags", "+faststart").
		ComplexFilter(filter).
		Output(p.OutputPath).
		Build(), nil
}

// writeConcatList writes the `file 'path'` list the concat demuxer reads.
func writeConcatList(paths []string) (string, error) {
	f, err := os.CreateTemp("", "concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("could not create concat list: %w", err)
	}
	defer f.Close()
	for _, p := range paths {
		escaped := strings.ReplaceAll(p, "'", `'\''`)
		if _, err := fmt.Fprintf(f, "file '%s'\n", escaped); err != nil {
			return "", fmt.Errorf("could not write concat list: %w", err)
		}
	}
	return f.Name(), nil
}

// WatermarkParams stamps an image or a text line onto the video.
type WatermarkParams struct {
	InputPath  string `json:"inputPath" binding:"required"`
	OutputPath string `json:"outputPath" binding:"required"`
	Type       string `json:"type"` // image or text

	ImagePath  string  `json:"imagePath,omitempty"`
	ImageScale float64 `json:"imageScale"` // fraction of video width, default 0.15
	Opacity    float64 `json:"opacity"`    // 0 means opaque

	Text        string `json:"text,omitempty"`
	FontSize    int    `json:"fontSize"`    // default 24
	FontColor   string `json:"fontColor"`   // default white
	BorderWidth int    `json:"borderWidth"` // default 2
	BorderColor string `json:"borderColor"` // default black
	FontPath    string `json:"fontPath,omitempty"`

	Position string `json:"position"` // top-left .. bottom-right, default bottom-right
	OffsetX  int    `json:"offsetX"`
	OffsetY  int    `json:"offsetY"`
}

func BuildWatermark(p WatermarkParams) ([]string, error) {
	cmd := NewCommand().Input(p.InputPath)

	switch p.Type {
	case "image":
		if p.ImagePath == "" {
			return nil, fmt.Errorf("image watermark requires imagePath")
		}
		cmd.Input(p.ImagePath)

		scale := p.ImageScale
		if scale <= 0 {
			scale = 0.15
		}
		wm := fmt.Sprintf("[1:v]scale=iw*%g:-1", scale)
		if p.Opacity > 0 && p.Opacity < 1 {
			wm += fmt.Sprintf(",format=rgba,colorchannelmixer=aa=%g", p.Opacity)
		}
		x, y := overlayPosition(p.Position, p.OffsetX, p.OffsetY)
		cmd.ComplexFilter(fmt.Sprintf("%s[wm];[0:v][wm]overlay=%s:%s", wm, x, y))

	case "text":
		text := p.Text
		if text == "" {
			text = "Watermark"
		}
		size := p.FontSize
		if size <= 0 {
			size = 24
		}
		color := p.FontColor
		if color == "" {
			color = "white"
		}
		borderWidth := p.BorderWidth
		if borderWidth <= 0 {
			borderWidth = 2
		}
		borderColor := p.BorderColor
		if borderColor == "" {
			borderColor = "black"
		}
		x, y := textPosition(p.Position, p.OffsetX, p.OffsetY)
		parts := []string{
			"text='" + escapeFilterArg(text) + "'",
			fmt.Sprintf("fontsize=%d", size),
			"fontcolor=" + color,
			"x=" + x,
			"y=" + y,
			fmt.Sprintf("borderw=%d", borderWidth),
			"bordercolor=" + borderColor,
		}
		if p.FontPath != "" {
			parts = append(parts, "fontfile="+p.FontPath)
		}
		cmd.VideoFilter("drawtext=" + strings.Join(parts, ":"))

	default:
		return nil, fmt.Errorf("unknown watermark type: %s", p.Type)
	}

	return cmd.
		VideoCodec("libx264").
		CRF(18).
		Preset("medium").
		AudioCodec("copy").
		Output(p.OutputPath).
		Build(), nil
}

const watermarkMargin = 10

// overlayPosition returns x/y expressions for the overlay filter. W/H are the
// video dimensions, w/h the watermark's.
func overlayPosition(position string, offsetX, offsetY int) (string, string) {
	m := strconv.Itoa(watermarkMargin)
	var x, y string
	switch position {
	case "top-left":
		x, y = m, m
	case "top-center":
		x, y = "(W-w)/2", m
	case "top-right":
		x, y = "W-w-"+m, m
	case "center-left":
		x, y = m, "(H-h)/2"
	case "center":
		x, y = "(W-w)/2", "(H-h)/2"
	case "center-right":
		x, y = "W-w-"+m, "(H-h)/2"
	case "bottom-left":
		x, y = m, "H-h-"+m
	case "bottom-center":
		x, y = "(W-w)/2", "H-h-"+m
	default: // bottom-right
		x, y = "W-w-"+m, "H-h-"+m
	}
	return applyOffset(x, offsetX), applyOffset(y, offsetY)
}

// textPosition is overlayPosition's drawtext counterpart. There w/h are the
// video dimensions and text_w/text_h the rendered text's.
func textPosition(position string, offsetX, offsetY int) (string, string) {
	m := strconv.Itoa(watermarkMargin)
	var x, y string
	switch position {
	case "top-left":
		x, y = m, m
	case "top-center":
		x, y = "(w-text_w)/2", m
	case "top-right":
		x, y = "w-text_w-"+m, m
	case "center-left":
		x, y = m, "(h-text_h)/2"
	case "center":
		x, y = "(w-text_w)/2", "(h-text_h)/2"
	case "center-right":
		x, y = "w-text_w-"+m, "(h-text_h)/2"
	case "bottom-left":
		x, y = m, "h-text_h-"+m
	case "bottom-center":
		x, y = "(w-text_w)/2", "h-text_h-"+m
	default: // bottom-right
		x, y = "w-text_w-"+m, "h-text_h-"+m
	}
	return applyOffset(x, offsetX), applyOffset(y, offsetY)
}

func applyOffset(expr string, offset int) string {
	if offset == 0 {
		return expr
	}
	return fmt.Sprintf("%s+%d", expr, offset)
}

// escapeFilterArg escapes text and paths used inside filter arguments, where
// quotes, colons and semicolons are structural.
func escapeFilterArg(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `;`, `\;`)
	return r.Replace(s)
}

// SubtitleParams handles external subtitle files in one of three modes:
// embed adds them as a soft track, extract pulls a subtitle stream out of the
// container, burn renders them into the picture.
type SubtitleParams struct {
	InputPath     string `json:"inputPath" binding:"required"`
	OutputPath    string `json:"outputPath" binding:"required"`
	Mode          string `json:"mode"` // embed, extract, burn
	SubtitlePath  string `json:"subtitlePath,omitempty"`
	SubtitleIndex int    `json:"subtitleIndex"` // extract: which subtitle stream

	// burn style overrides, applied through force_style
	FontName     string `json:"fontName,omitempty"`
	FontSize     int    `json:"fontSize,omitempty"`
	PrimaryColor string `json:"primaryColor,omitempty"`
	OutlineWidth int    `json:"outlineWidth,omitempty"`
	MarginV      int    `json:"marginV,omitempty"`
}

func BuildSubtitle(p SubtitleParams) ([]string, error) {
	switch p.Mode {
	case "embed":
		if p.SubtitlePath == "" {
			return nil, fmt.Errorf("subtitle embed requires subtitlePath")
		}
		// mp4 carries mov_text; mkv and friends take srt directly.
		subCodec := "srt"
		if strings.EqualFold(filepath.Ext(p.OutputPath), ".mp4") {
			subCodec = "mov_text"
		}
		return NewCommand().
			Input(p.InputPath).
			Input(p.SubtitlePath).
			VideoCodec("copy").
			AudioCodec("copy").
			Args("-c:s", subCodec).
			Args("-map", "0:v", "-map", "0:a", "-map", "1:s").
			Output(p.OutputPath).
			Build(), nil

	case "extract":
		return NewCommand().
			Input(p.InputPath).
			Args("-map", fmt.Sprintf("0:s:%d", p.SubtitleIndex)).
			Output(p.OutputPath).
			Build(), nil

	case "burn":
		if p.SubtitlePath == "" {
			return nil, fmt.Errorf("subtitle burn requires subtitlePath")
		}
		var filter string
		if strings.EqualFold(filepath.Ext(p.SubtitlePath), ".ass") {
			// ASS carries its own styling.
			filter = "ass=" + escapeFilterArg(p.SubtitlePath)
		} else {
			var style []string
			if p.FontName != "" {
				style = append(style, "FontName="+p.FontName)
			}
			if p.FontSize > 0 {
				style = append(style, fmt.Sprintf("FontSize=%d", p.FontSize))
			}
			if p.PrimaryColor != "" {
				style = append(style, "PrimaryColour="+p.PrimaryColor)
			}
			if p.OutlineWidth > 0 {
				style = append(style, fmt.Sprintf("Outline=%d", p.OutlineWidth))
			}
			if p.MarginV > 0 {
				style = append(style, fmt.Sprintf("MarginV=%d", p.MarginV))
			}
			filter = "subtitles=" + escapeFilterArg(p.SubtitlePath)
			if len(style) > 0 {
				filter += ":force_style='" + strings.Join(style, ",") + "'"
			}
		}
		return NewCommand().
			Input(p.InputPath).
			VideoFilter(filter).
			VideoCodec("libx264").
			CRF(18).
			Preset("medium").
			AudioCodec("copy").
			Output(p.OutputPath).
			Build(), nil

	default:
		return nil, fmt.Errorf("unknown subtitle mode: %s", p.Mode)
	}
}

func BuildGif(p GifParams) []string {
	fps := p.FPS
	if fps <= 0 {
		fps = 12
	}
	width := p.Width
	if width <= 0 {
		width = 480
	}
	cmd := NewCommand()
	if p.Start > 0 {
		cmd.PreArgs("-ss", SecondsToTimestamp(p.Start))
	}
	if p.End > p.Start {
		cmd.PreArgs("-to", SecondsToTimestamp(p.End))
	}
	// Two-pass palette in a single filter graph keeps the GIF small without
	// a temp file.
	filter := fmt.Sprintf("fps=%d,scale=%d:-1:flags=lanczos,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse", fps, width)
	return cmd.
		Input(p.InputPath).
		ComplexFilter(filter).
		Output(p.OutputPath).
		Build()
}
