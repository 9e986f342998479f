package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/yummysource/clipforge-sub000/config"
	"github.com/yummysource/clipforge-sub000/task"
)

// Engine launches and supervises ffmpeg processes. Each job runs with
// `-progress pipe:1` so stdout carries machine-readable progress, which the
// engine parses and pushes to the caller as task events. Running processes
// are tracked by task id so they can be killed on cancellation.
type Engine struct {
	cfg *config.Config

	mu        sync.Mutex
	running   map[string]*exec.Cmd
	cancelled map[string]bool
}

func NewEngine(cfg *config.Config) (*Engine, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	return &Engine{
		cfg:       cfg,
		running:   make(map[string]*exec.Cmd),
		cancelled: make(map[string]bool),
	}, nil
}

// Job is one ffmpeg invocation: the argument vector (typically from the
// builder), the media duration for percent calculation, and the output path
// to stat when the encode finishes.
type Job struct {
	Args          []string
	TotalDuration float64
	OutputPath    string
}

// Service adapts a job to the task.ServiceFunc contract: launching it spawns
// ffmpeg and returns the assigned task id; events stream from a supervising
// goroutine until the process exits.
func (e *Engine) Service(job Job) task.ServiceFunc {
	return func(ctx context.Context, onEvent func(task.Event)) (string, error) {
		return e.start(ctx, job, onEvent)
	}
}

func (e *Engine) start(ctx context.Context, job Job, onEvent func(task.Event)) (string, error) {
	// Refuse to launch when the machine is already saturated. This surfaces
	// as an invocation-level failure, before any started event.
	if err := e.checkResources(); err != nil {
		return "", fmt.Errorf("insufficient system resources: %w", err)
	}

	taskID := shortuuid.New()

	args := append([]string{"-progress", "pipe:1", "-nostats"}, job.Args...)
	cmd := exec.CommandContext(ctx, e.cfg.FFBin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("could not open ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("could not open ffmpeg stderr: %w", err)
	}

	log.Printf("Task %s: executing %s %s", taskID, e.cfg.FFBin, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	e.mu.Lock()
	e.running[taskID] = cmd
	e.mu.Unlock()

	startTime := time.Now()
	onEvent(task.Started(taskID, job.TotalDuration))

	go e.supervise(taskID, cmd, stdout, stderr, job, startTime, onEvent)

	return taskID, nil
}

// supervise consumes the process's output until it exits, then emits exactly
// one terminal event.
func (e *Engine) supervise(taskID string, cmd *exec.Cmd, stdout, stderr io.Reader, job Job, startTime time.Time, onEvent func(task.Event)) {
	tail := newTailBuffer(e.cfg.StderrTail)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			tail.Append(scanner.Text())
		}
	}()

	parser := NewProgressParser(taskID, job.TotalDuration, e.cfg.ProgressInterval)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if update := parser.ParseLine(line); update != nil {
			onEvent(task.Progressed(*update))
		}
		// ffmpeg writes nothing more to the progress pipe after the end
		// marker; stop scanning instead of waiting for the pipe to close.
		if IsFinished(line) {
			break
		}
	}

	wg.Wait()
	err := cmd.Wait()
	elapsed := time.Since(startTime).Seconds()

	e.mu.Lock()
	wasCancelled := e.cancelled[taskID]
	delete(e.running, taskID)
	delete(e.cancelled, taskID)
	e.mu.Unlock()

	switch {
	case wasCancelled:
		log.Printf("Task %s: cancelled after %.1fs", taskID, elapsed)
		onEvent(task.Cancelled(taskID))

	case err == nil:
		size := int64(0)
		if fi, statErr := os.Stat(job.OutputPath); statErr == nil {
			size = fi.Size()
		}
		log.Printf("Task %s: completed in %.1fs, output %s (%d bytes)", taskID, elapsed, job.OutputPath, size)
		onEvent(task.Completed(taskID, job.OutputPath, size, elapsed))

	default:
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		msg := extractErrorMessage(tail.String(), exitCode)
		log.Printf("Task %s: failed after %.1fs: %s", taskID, elapsed, msg)
		// A failed encode usually leaves a partial output behind.
		os.Remove(job.OutputPath)
		onEvent(task.Failed(taskID, msg))
	}
}

// Cancel kills the process belonging to taskID and marks it so the
// supervisor reports a cancelled (not failed) terminal event. Unknown ids
// mean the task already finished.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	e.mu.Lock()
	cmd, ok := e.running[taskID]
	if ok {
		e.cancelled[taskID] = true
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("task %s not found or already finished", taskID)
	}
	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("could not kill ffmpeg process for task %s: %w", taskID, err)
		}
	}
	log.Printf("Task %s: kill signal sent", taskID)
	return nil
}

// checkResources verifies that the system has enough free resources to start a new job.
func (e *Engine) checkResources() error {
	// CPU
	p, err := cpu.Percent(time.Second, false)
	if err != nil {
		log.Printf("Warning: could not get CPU usage: %v", err)
	} else if len(p) > 0 && p[0] > (100.0-e.cfg.ThrottleCPU) {
		return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], e.cfg.ThrottleCPU)
	}

	// Memory
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Printf("Warning: could not get memory usage: %v", err)
	} else if vm.Available < uint64(e.cfg.ThrottleFreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, e.cfg.ThrottleFreeMem)
	}

	// Disk
	dir := e.cfg.OutputDir
	if dir == "" {
		dir = os.TempDir()
	}
	d, err := disk.Usage(dir)
	if err != nil {
		log.Printf("Warning: could not get disk usage for %s: %v", dir, err)
	} else if d.Free < uint64(e.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, e.cfg.ThrottleFreeDisk)
	}
	return nil
}

// extractErrorMessage digs a human-readable error line out of ffmpeg's
// stderr tail. ffmpeg logs a lot; the interesting line is usually near the
// end and mentions one of a few keywords.
func extractErrorMessage(stderrTail string, exitCode int) string {
	lines := strings.Split(stderrTail, "\n")
	limit := 20
	for i := len(lines) - 1; i >= 0 && limit > 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		limit--
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") ||
			strings.Contains(lower, "invalid") ||
			strings.Contains(lower, "no such") ||
			strings.Contains(lower, "permission denied") ||
			strings.Contains(lower, "not found") {
			return line
		}
	}
	return fmt.Sprintf("ffmpeg exited with code %d", exitCode)
}

// tailBuffer keeps the last part of a stream, capped so a chatty encode
// cannot grow memory without bound.
type tailBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
	cap int64
}

func newTailBuffer(capBytes int64) *tailBuffer {
	if capBytes <= 0 {
		capBytes = 10 * 1024
	}
	return &tailBuffer{cap: capBytes}
}

func (t *tailBuffer) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
	if int64(t.buf.Len()) > t.cap {
		// Keep the newer half; older context is the least interesting.
		s := t.buf.String()
		t.buf.Reset()
		t.buf.WriteString(s[len(s)-int(t.cap/2):])
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
