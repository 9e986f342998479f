package api

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/yummysource/clipforge-sub000/config"
	"github.com/yummysource/clipforge-sub000/ffmpeg"
	"github.com/yummysource/clipforge-sub000/task"
)

// Launcher is the slice of the ffmpeg engine the handlers need: turning a
// job into a launchable service function, and best-effort cancellation.
type Launcher interface {
	Service(job ffmpeg.Job) task.ServiceFunc
	Cancel(ctx context.Context, taskID string) error
}

// Prober returns media metadata for local files.
type Prober interface {
	Probe(ctx context.Context, filePath string) (*ffmpeg.MediaInfo, error)
}

type Handler struct {
	cfg      *config.Config
	registry *task.Registry
	launcher Launcher
	prober   Prober
	batch    *task.Batch
}

func NewHandler(cfg *config.Config, registry *task.Registry, launcher Launcher, prober Prober) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		launcher: launcher,
		prober:   prober,
		batch:    task.NewBatch(registry, launcher.Cancel),
	}
}

// TaskRequest selects one operation and carries its parameters. Exactly one
// parameter block must match the operation.
type TaskRequest struct {
	Operation    string                     `json:"operation" binding:"required"`
	Convert      *ffmpeg.ConvertParams      `json:"convert,omitempty"`
	Compress     *ffmpeg.CompressParams     `json:"compress,omitempty"`
	Trim         *ffmpeg.TrimParams         `json:"trim,omitempty"`
	ExtractAudio *ffmpeg.ExtractAudioParams `json:"extractAudio,omitempty"`
	Gif          *ffmpeg.GifParams          `json:"gif,omitempty"`
	Resize       *ffmpeg.ResizeParams       `json:"resize,omitempty"`
	Merge        *ffmpeg.MergeParams        `json:"merge,omitempty"`
	Watermark    *ffmpeg.WatermarkParams    `json:"watermark,omitempty"`
	Subtitle     *ffmpeg.SubtitleParams     `json:"subtitle,omitempty"`
	ExtraArgs    string                     `json:"extraArgs,omitempty"`
}

// paths validates that the parameter block matching the operation is present
// and returns the primary input path plus the output path. Building the
// argument vector is deferred to build, which may create scratch files.
func (req *TaskRequest) paths() (inputPath, outputPath string, err error) {
	missing := func() (string, string, error) {
		return "", "", fmt.Errorf("operation %q is missing its parameters", req.Operation)
	}
	switch req.Operation {
	case "convert":
		if req.Convert == nil {
			return missing()
		}
		return req.Convert.InputPath, req.Convert.OutputPath, nil
	case "compress":
		if req.Compress == nil {
			return missing()
		}
		return req.Compress.InputPath, req.Compress.OutputPath, nil
	case "trim":
		if req.Trim == nil {
			return missing()
		}
		return req.Trim.InputPath, req.Trim.OutputPath, nil
	case "extract_audio":
		if req.ExtractAudio == nil {
			return missing()
		}
		return req.ExtractAudio.InputPath, req.ExtractAudio.OutputPath, nil
	case "gif":
		if req.Gif == nil {
			return missing()
		}
		return req.Gif.InputPath, req.Gif.OutputPath, nil
	case "resize":
		if req.Resize == nil {
			return missing()
		}
		return req.Resize.InputPath, req.Resize.OutputPath, nil
	case "merge":
		if req.Merge == nil || len(req.Merge.InputPaths) == 0 {
			return missing()
		}
		// The first input stands in for display names and duration probing.
		return req.Merge.InputPaths[0], req.Merge.OutputPath, nil
	case "watermark":
		if req.Watermark == nil {
			return missing()
		}
		return req.Watermark.InputPath, req.Watermark.OutputPath, nil
	case "subtitle":
		if req.Subtitle == nil {
			return missing()
		}
		return req.Subtitle.InputPath, req.Subtitle.OutputPath, nil
	default:
		return "", "", fmt.Errorf("unknown operation: %s", req.Operation)
	}
}

func (req *TaskRequest) build() ([]string, error) {
	switch req.Operation {
	case "convert":
		return ffmpeg.BuildConvert(*req.Convert), nil
	case "compress":
		return ffmpeg.BuildCompress(*req.Compress), nil
	case "trim":
		return ffmpeg.BuildTrim(*req.Trim), nil
	case "extract_audio":
		return ffmpeg.BuildExtractAudio(*req.ExtractAudio), nil
	case "gif":
		return ffmpeg.BuildGif(*req.Gif), nil
	case "resize":
		return ffmpeg.BuildResize(*req.Resize), nil
	case "merge":
		return ffmpeg.BuildMerge(*req.Merge)
	case "watermark":
		return ffmpeg.BuildWatermark(*req.Watermark)
	case "subtitle":
		return ffmpeg.BuildSubtitle(*req.Subtitle)
	default:
		return nil, fmt.Errorf("unknown operation: %s", req.Operation)
	}
}

func (req *TaskRequest) meta() (task.Meta, error) {
	inputPath, outputPath, err := req.paths()
	if err != nil {
		return task.Meta{}, err
	}
	return task.Meta{
		Kind:       req.Operation,
		InputName:  filepath.Base(inputPath),
		OutputName: filepath.Base(outputPath),
	}, nil
}

// toJob builds the request into a launchable engine job. duration may be zero
// when the input has not been probed yet. Call once per launch: build may
// create scratch files (merge's concat list).
func (req *TaskRequest) toJob(duration float64) (ffmpeg.Job, task.Meta, error) {
	meta, err := req.meta()
	if err != nil {
		return ffmpeg.Job{}, task.Meta{}, err
	}
	_, outputPath, _ := req.paths()
	args, err := req.build()
	if err != nil {
		return ffmpeg.Job{}, task.Meta{}, err
	}

	if req.ExtraArgs != "" {
		extra, err := ffmpeg.SplitExtraArgs(req.ExtraArgs)
		if err != nil {
			return ffmpeg.Job{}, task.Meta{}, err
		}
		if err := ffmpeg.ValidateExtraArgs(extra); err != nil {
			return ffmpeg.Job{}, task.Meta{}, err
		}
		// The output path is always the last argument; extras slot in
		// right before it.
		out := args[len(args)-1]
		args = append(args[:len(args)-1], append(extra, out)...)
	}

	job := ffmpeg.Job{Args: args, TotalDuration: duration, OutputPath: outputPath}
	return job, meta, nil
}

// handleCreateTask launches one operation and returns its task id. The
// response arrives as soon as the worker accepted the job; progress and the
// final result are observed through the task endpoints.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inputPath, _, err := req.paths()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := h.prober.Probe(c.Request.Context(), inputPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("could not probe input: %v", err)})
		return
	}
	if h.cfg.MaxInputSize > 0 && info.FileSize > h.cfg.MaxInputSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("input file is %d bytes, limit is %d", info.FileSize, h.cfg.MaxInputSize)})
		return
	}

	job, meta, err := req.toJob(info.Duration)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctrl := task.NewController(h.registry, h.launcher.Cancel)
	if err := ctrl.Execute(context.Background(), meta, h.launcher.Service(job)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to launch task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": ctrl.TaskID()})
}

// handleListTasks lists all registry entries, newest first.
func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}

// handleRunningCount reports how many tasks are running anywhere in the
// process, for status indicators.
func (h *Handler) handleRunningCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": h.registry.RunningCount()})
}

// handleGetTask retrieves one registry entry.
func (h *Handler) handleGetTask(c *gin.Context) {
	info, ok := h.registry.Get(c.Param("taskId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleCancelTask requests cancellation. Cancellation is advisory: the task
// reaches cancelled only when the worker confirms it.
func (h *Handler) handleCancelTask(c *gin.Context) {
	if err := h.launcher.Cancel(c.Request.Context(), c.Param("taskId")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

// handleRemoveTask is the user-facing reset: it drops the entry from the
// registry. Removing an unknown id succeeds, matching the registry's
// idempotent remove.
func (h *Handler) handleRemoveTask(c *gin.Context) {
	h.registry.Remove(c.Param("taskId"))
	c.JSON(http.StatusOK, gin.H{"message": "Task removed"})
}

// BatchRequest runs several operations strictly one after another.
type BatchRequest struct {
	Items []TaskRequest `json:"items" binding:"required"`
}

// handleCreateBatch starts a batch run. Only one batch runs at a time.
func (h *Handler) handleCreateBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch needs at least one item"})
		return
	}
	if h.batch.IsProcessing() {
		c.JSON(http.StatusConflict, gin.H{"error": "a batch is already processing"})
		return
	}

	jobs := make([]task.Job, 0, len(req.Items))
	for i, item := range req.Items {
		item := item
		inputPath, _, err := item.paths()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("item %d: %v", i, err)})
			return
		}
		meta, err := item.meta()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("item %d: %v", i, err)})
			return
		}
		// Probing happens when the item starts, not up front: earlier items
		// may still be writing the inputs of later ones.
		fn := func(ctx context.Context, onEvent func(task.Event)) (string, error) {
			info, err := h.prober.Probe(ctx, inputPath)
			if err != nil {
				return "", fmt.Errorf("could not probe input: %w", err)
			}
			if h.cfg.MaxInputSize > 0 && info.FileSize > h.cfg.MaxInputSize {
				return "", fmt.Errorf("input file is %d bytes, limit is %d", info.FileSize, h.cfg.MaxInputSize)
			}
			job, _, err := item.toJob(info.Duration)
			if err != nil {
				return "", err
			}
			return h.launcher.Service(job)(ctx, onEvent)
		}
		jobs = append(jobs, task.Job{Meta: meta, Fn: fn})
	}

	go h.batch.Run(context.Background(), jobs)
	c.JSON(http.StatusAccepted, gin.H{"count": len(jobs)})
}

// handleGetBatch snapshots the batch's per-item and aggregate progress.
func (h *Handler) handleGetBatch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"items":          h.batch.Items(),
		"overallPercent": h.batch.OverallPercent(),
		"completedCount": h.batch.CompletedCount(),
		"isProcessing":   h.batch.IsProcessing(),
		"cancelled":      h.batch.IsCancelled(),
	})
}

// handleCancelBatch stops the batch: in-flight work is cancelled
// best-effort, unstarted items never run.
func (h *Handler) handleCancelBatch(c *gin.Context) {
	h.batch.CancelAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": "Batch cancellation requested"})
}

// handleResetBatch clears a finished batch.
func (h *Handler) handleResetBatch(c *gin.Context) {
	if h.batch.IsProcessing() {
		c.JSON(http.StatusConflict, gin.H{"error": "batch is still processing, cancel it first"})
		return
	}
	h.batch.Reset()
	c.JSON(http.StatusOK, gin.H{"message": "Batch cleared"})
}

// handleProbe returns media info for a local file.
func (h *Handler) handleProbe(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter required"})
		return
	}
	info, err := h.prober.Probe(c.Request.Context(), path)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}
