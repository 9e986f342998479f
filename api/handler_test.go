package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yummysource/clipforge-sub000/config"
	"github.com/yummysource/clipforge-sub000/ffmpeg"
	"github.com/yummysource/clipforge-sub000/task"
)

type mockLauncher struct {
	mu        sync.Mutex
	seq       int
	park      bool
	cancelled []string
	cancelErr error
}

func (m *mockLauncher) Service(job ffmpeg.Job) task.ServiceFunc {
	return func(ctx context.Context, onEvent func(task.Event)) (string, error) {
		m.mu.Lock()
		m.seq++
		id := fmt.Sprintf("w-%d", m.seq)
		park := m.park
		m.mu.Unlock()

		onEvent(task.Started(id, job.TotalDuration))
		if park {
			return id, nil
		}
		onEvent(task.Progressed(task.ProgressUpdate{TaskID: id, Percent: 50}))
		onEvent(task.Completed(id, job.OutputPath, 2048, 1.5))
		return id, nil
	}
}

func (m *mockLauncher) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, taskID)
	return nil
}

type mockProber struct{}

func (m *mockProber) Probe(ctx context.Context, filePath string) (*ffmpeg.MediaInfo, error) {
	return &ffmpeg.MediaInfo{FilePath: filePath, FileName: "in.mp4", FileSize: 1 << 20, Duration: 120}, nil
}

func setupTestRouter() (*gin.Engine, *config.Config, *task.Registry, *mockLauncher) {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{AuthEnable: false}
	registry := task.NewRegistry()
	launcher := &mockLauncher{}
	h := NewHandler(cfg, registry, launcher, &mockProber{})
	router := SetupRouter(h, cfg)
	return router, cfg, registry, launcher
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandleCreateTask(t *testing.T) {
	router, _, registry, _ := setupTestRouter()

	reqBody := `{"operation": "convert", "convert": {"inputPath": "/media/in.mkv", "outputPath": "/media/out.mp4", "videoCodec": "copy"}}`
	w := postJSON(router, "/api/v1/tasks", reqBody)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err)
	assert.NotEmpty(t, resp["taskId"])

	info, found := registry.Get(resp["taskId"])
	require.True(t, found)
	assert.Equal(t, task.StatusCompleted, info.Status)
	assert.Equal(t, "convert", info.Kind)
	assert.Equal(t, "in.mkv", info.InputName)
	assert.Equal(t, "/media/out.mp4", info.Result.OutputPath)
}

func TestHandleCreateTask_UnknownOperation(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	w := postJSON(router, "/api/v1/tasks", `{"operation": "transcode-everything"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreateTask_MissingParams(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	w := postJSON(router, "/api/v1/tasks", `{"operation": "trim"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreateTask_Resize(t *testing.T) {
	router, _, registry, _ := setupTestRouter()

	reqBody := `{"operation": "resize", "resize": {"inputPath": "/media/in.mp4", "outputPath": "/media/out.mp4", "width": 1280, "height": 720, "keepAspect": true}}`
	w := postJSON(router, "/api/v1/tasks", reqBody)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	info, found := registry.Get(resp["taskId"])
	require.True(t, found)
	assert.Equal(t, "resize", info.Kind)
	assert.Equal(t, "in.mp4", info.InputName)
}

func TestHandleCreateTask_WatermarkMissingImage(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	reqBody := `{"operation": "watermark", "watermark": {"inputPath": "/media/in.mp4", "outputPath": "/media/out.mp4", "type": "image"}}`
	w := postJSON(router, "/api/v1/tasks", reqBody)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreateTask_InputTooLarge(t *testing.T) {
	router, cfg, _, _ := setupTestRouter()
	cfg.MaxInputSize = 1024 // below the mock prober's reported file size

	reqBody := `{"operation": "compress", "compress": {"inputPath": "/a.mp4", "outputPath": "/b.mp4"}}`
	w := postJSON(router, "/api/v1/tasks", reqBody)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandleCreateTask_RejectsUnsafeExtraArgs(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	reqBody := `{"operation": "compress", "extraArgs": "-vf scale=1280:-2 | rm -rf /", "compress": {"inputPath": "/a.mp4", "outputPath": "/b.mp4"}}`
	w := postJSON(router, "/api/v1/tasks", reqBody)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetTask(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	reqBody := `{"operation": "compress", "compress": {"inputPath": "/a.mp4", "outputPath": "/b.mp4"}}`
	w := postJSON(router, "/api/v1/tasks", reqBody)
	require.Equal(t, http.StatusAccepted, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/tasks/"+created["taskId"], nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var info task.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, created["taskId"], info.ID)
	assert.Equal(t, task.StatusCompleted, info.Status)

	// Not found
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/v1/tasks/nonexistent", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleRunningCount(t *testing.T) {
	router, _, _, launcher := setupTestRouter()
	launcher.park = true

	reqBody := `{"operation": "compress", "compress": {"inputPath": "/a.mp4", "outputPath": "/b.mp4"}}`
	w := postJSON(router, "/api/v1/tasks", reqBody)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/tasks/running", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["running"])
}

func TestHandleCancelTask(t *testing.T) {
	router, _, _, launcher := setupTestRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("PATCH", "/api/v1/tasks/w-9/cancel", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"w-9"}, launcher.cancelled)

	launcher.cancelErr = fmt.Errorf("task w-9 not found or already finished")
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("PATCH", "/api/v1/tasks/w-9/cancel", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRemoveTask(t *testing.T) {
	router, _, registry, _ := setupTestRouter()

	reqBody := `{"operation": "compress", "compress": {"inputPath": "/a.mp4", "outputPath": "/b.mp4"}}`
	w := postJSON(router, "/api/v1/tasks", reqBody)
	require.Equal(t, http.StatusAccepted, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/api/v1/tasks/"+created["taskId"], nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	_, found := registry.Get(created["taskId"])
	assert.False(t, found)

	// Removing again is a no-op, not an error.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("DELETE", "/api/v1/tasks/"+created["taskId"], nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleBatch(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	reqBody := `{"items": [
		{"operation": "compress", "compress": {"inputPath": "/a.mp4", "outputPath": "/a-small.mp4"}},
		{"operation": "extract_audio", "extractAudio": {"inputPath": "/b.mp4", "outputPath": "/b.mp3"}}
	]}`
	w := postJSON(router, "/api/v1/batch", reqBody)
	require.Equal(t, http.StatusAccepted, w.Code)

	var created map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, 2, created["count"])

	var snapshot struct {
		Items          []task.Item `json:"items"`
		OverallPercent float64     `json:"overallPercent"`
		CompletedCount int         `json:"completedCount"`
		IsProcessing   bool        `json:"isProcessing"`
	}
	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/batch", nil)
		router.ServeHTTP(w, req)
		if err := json.Unmarshal(w.Body.Bytes(), &snapshot); err != nil {
			return false
		}
		return !snapshot.IsProcessing && snapshot.CompletedCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 100.0, snapshot.OverallPercent)
	require.Len(t, snapshot.Items, 2)
	assert.Equal(t, "compress", snapshot.Items[0].Kind)
	assert.Equal(t, task.StatusCompleted, snapshot.Items[0].Status)
	assert.Equal(t, "extract_audio", snapshot.Items[1].Kind)
	assert.Equal(t, task.StatusCompleted, snapshot.Items[1].Status)
}

func TestHandleBatch_Empty(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	w := postJSON(router, "/api/v1/batch", `{"items": []}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleResetBatch(t *testing.T) {
	router, _, registry, _ := setupTestRouter()

	reqBody := `{"items": [{"operation": "compress", "compress": {"inputPath": "/a.mp4", "outputPath": "/b.mp4"}}]}`
	w := postJSON(router, "/api/v1/batch", reqBody)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		return registry.RunningCount() == 0 && len(registry.List()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w = httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/api/v1/batch", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, registry.List())
}

func TestHandleProbe(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/probe?path=/media/in.mp4", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var info ffmpeg.MediaInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "in.mp4", info.FileName)
	assert.Equal(t, 120.0, info.Duration)

	// Missing path parameter
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/v1/probe", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	router, cfg, _, _ := setupTestRouter()

	t.Run("Auth disabled", func(t *testing.T) {
		cfg.AuthEnable = false
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/tasks", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Auth enabled, no token", func(t *testing.T) {
		cfg.AuthEnable = true
		cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/tasks", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Auth enabled, wrong token", func(t *testing.T) {
		cfg.AuthEnable = true
		cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer wrong-key")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Auth enabled, correct token", func(t *testing.T) {
		cfg.AuthEnable = true
		cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer secret")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
