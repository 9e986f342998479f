package ffmpeg

import (
	"strconv"
	"strings"
	"time"

	"github.com/yummysource/clipforge-sub000/task"
)

// ProgressParser turns the key=value lines of `ffmpeg -progress pipe:1`
// output into ProgressUpdate snapshots. A block of pairs is flushed whenever
// a `progress=continue` or `progress=end` line arrives; emissions are
// throttled so a fast encode does not flood observers.
//
// Example input:
//
//	frame=150
//	fps=45.2
//	total_size=1048576
//	out_time_us=5000000
//	speed=1.5x
//	progress=continue
type ProgressParser struct {
	taskID          string
	totalDurationUS int64
	emitInterval    time.Duration
	lastEmit        time.Time
	values          map[string]string
}

// NewProgressParser creates a parser for one task. totalDuration is the
// media duration in seconds; emitInterval throttles updates (zero disables
// throttling).
func NewProgressParser(taskID string, totalDuration float64, emitInterval time.Duration) *ProgressParser {
	return &ProgressParser{
		taskID:          taskID,
		totalDurationUS: int64(totalDuration * 1_000_000),
		emitInterval:    emitInterval,
		lastEmit:        time.Now().Add(-emitInterval),
		values:          make(map[string]string),
	}
}

// ParseLine consumes one line of progress output. It returns a snapshot when
// a complete block has arrived and the throttle interval has elapsed; a
// `progress=end` line always flushes so observers see the final numbers.
func (p *ProgressParser) ParseLine(line string) *task.ProgressUpdate {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	eq := strings.IndexByte(trimmed, '=')
	if eq < 0 {
		return nil
	}
	key := strings.TrimSpace(trimmed[:eq])
	value := strings.TrimSpace(trimmed[eq+1:])

	if key != "progress" {
		p.values[key] = value
		return nil
	}

	update := p.build()
	p.values = make(map[string]string)

	if time.Since(p.lastEmit) >= p.emitInterval {
		p.lastEmit = time.Now()
		return update
	}
	if value == "end" {
		return update
	}
	return nil
}

// IsFinished reports whether a line marks the end of the progress stream.
func IsFinished(line string) bool {
	return strings.TrimSpace(line) == "progress=end"
}

func (p *ProgressParser) build() *task.ProgressUpdate {
	outTimeUS, _ := strconv.ParseInt(p.values["out_time_us"], 10, 64)

	percent := 0.0
	if p.totalDurationUS > 0 {
		percent = float64(outTimeUS) / float64(p.totalDurationUS) * 100.0
		if percent > 100.0 {
			percent = 100.0
		}
	}

	currentTime := float64(outTimeUS) / 1_000_000.0

	speed, _ := strconv.ParseFloat(strings.TrimSuffix(p.values["speed"], "x"), 64)

	// ETA is the unprocessed remainder scaled by the current speed.
	eta := 0.0
	if speed > 0 {
		remaining := float64(p.totalDurationUS)/1_000_000.0 - currentTime
		eta = remaining / speed
		if eta < 0 {
			eta = 0
		}
	}

	outputSize, _ := strconv.ParseInt(p.values["total_size"], 10, 64)
	frame, _ := strconv.ParseInt(p.values["frame"], 10, 64)
	fps, _ := strconv.ParseFloat(p.values["fps"], 64)

	return &task.ProgressUpdate{
		TaskID:      p.taskID,
		Percent:     percent,
		Speed:       speed,
		CurrentTime: currentTime,
		ETA:         eta,
		OutputSize:  outputSize,
		Frame:       frame,
		FPS:         fps,
	}
}

// SecondsToTimestamp formats seconds as HH:MM:SS.mmm, the form ffmpeg's
// -ss/-to arguments accept.
func SecondsToTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	millis := int64((seconds - float64(total)) * 1000)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return pad2(h) + ":" + pad2(m) + ":" + pad2(s) + "." + pad3(millis)
}

// TimestampToSeconds parses HH:MM:SS(.fff), MM:SS, or a bare number of
// seconds. Unparseable input yields 0.
func TimestampToSeconds(timestamp string) float64 {
	trimmed := strings.TrimSpace(timestamp)
	if trimmed == "" {
		return 0
	}
	if !strings.Contains(trimmed, ":") {
		v, _ := strconv.ParseFloat(trimmed, 64)
		return v
	}
	parts := strings.Split(trimmed, ":")
	parse := func(s string) float64 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	switch len(parts) {
	case 3:
		return parse(parts[0])*3600 + parse(parts[1])*60 + parse(parts[2])
	case 2:
		return parse(parts[0])*60 + parse(parts[1])
	default:
		return 0
	}
}

func pad2(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

func pad3(v int64) string {
	s := strconv.FormatInt(v, 10)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
