package artifacts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qapilot/internal/model"
)

func TestFileSink(t *testing.T) {
	root := t.TempDir()
	sink, err := NewFileSink(root)
	require.NoError(t, err)

	url, err := sink.Put(context.Background(), "../escape/a.txt", []byte("hi"), "text/plain")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))

	data, err := os.ReadFile(filepath.Join(root, "escape", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	sink, err := NewFileSink(root)
	require.NoError(t, err)
	rec := NewRecorder(sink, nil)

	steps := []model.StepRecord{
		{StepNumber: 1, ActionName: "click", Status: model.StepPassed, Screenshot: []byte{0xff, 0xd8}},
		{StepNumber: 2, ActionName: "error", Status: model.StepFailed},
	}
	require.NoError(t, rec.RecordFlow(ctx, "qaRun_1", "testFlow_a", steps))

	_, err = os.Stat(filepath.Join(root, "runs", "qaRun_1", "testFlow_a", "step-001.jpg"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "runs", "qaRun_1", "testFlow_a", "step-002.jpg"))
	assert.True(t, os.IsNotExist(err))

	url, key, err := rec.Finish(ctx, "qaRun_1")
	require.NoError(t, err)
	assert.Equal(t, "runs/qaRun_1/recording.json", key)
	assert.True(t, strings.HasSuffix(url, key))

	raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(key)))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Len(t, m.Steps, 2)
	assert.Equal(t, StepKey("qaRun_1", "testFlow_a", 1), m.Steps[0].Key)
	assert.Empty(t, m.Steps[1].Key)
}

func TestRecorder_FinishWithoutFlows(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	_, key, err := NewRecorder(sink, nil).Finish(context.Background(), "qaRun_empty")
	require.NoError(t, err)
	assert.Equal(t, ManifestKey("qaRun_empty"), key)
}

func TestS3Sink(t *testing.T) {
	var (
		mu   sync.Mutex
		puts = map[string]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts[r.URL.Path] = string(body)
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewS3Sink(context.Background(), S3Config{
		Bucket:          "qa-artifacts",
		Prefix:          "/ci/",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)

	url, err := sink.Put(context.Background(), "runs/qaRun_1/recording.json", []byte(`{}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "s3://qa-artifacts/ci/runs/qaRun_1/recording.json", url)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, puts, "/qa-artifacts/ci/runs/qaRun_1/recording.json")
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{})
	assert.Error(t, err)
}
