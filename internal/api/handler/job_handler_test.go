package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobpool/internal/api/dto"
	"github.com/cuongbtq/jobpool/internal/storage"
)

func newTestRouter(queue storage.Queue) *gin.Engine {
	gin.SetMode(gin.TestMode)

	h := NewJobHandler(&Dependencies{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Queue:             queue,
		HeartbeatInterval: time.Second,
	})

	r := gin.New()
	r.POST("/api/v1/jobs", h.EnqueueJob)
	r.GET("/api/v1/jobs", h.ListJobs)
	r.GET("/api/v1/jobs/:job_id", h.GetJob)
	r.GET("/api/v1/workers", h.ListWorkers)
	return r
}

func TestEnqueueJob(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		check      func(t *testing.T, resp dto.JobDTO)
	}{
		{
			name:       "valid request",
			body:       `{"queue":"critical","job_type":"send_email","payload":{"to":"a@b.c"},"max_attempts":5}`,
			wantStatus: http.StatusCreated,
			check: func(t *testing.T, resp dto.JobDTO) {
				assert.NotEmpty(t, resp.JobID)
				assert.Equal(t, "critical", resp.Queue)
				assert.Equal(t, "send_email", resp.JobType)
				assert.Equal(t, "pending", resp.Status)
				assert.Equal(t, 5, resp.MaxAttempts)
				assert.Equal(t, 0, resp.Attempts)
			},
		},
		{
			name:       "queue defaults when omitted",
			body:       `{"job_type":"send_email","payload":{}}`,
			wantStatus: http.StatusCreated,
			check: func(t *testing.T, resp dto.JobDTO) {
				assert.Equal(t, "default", resp.Queue)
			},
		},
		{
			name:       "missing job_type",
			body:       `{"payload":{}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing payload",
			body:       `{"job_type":"send_email"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(storage.NewMemory())

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.check != nil {
				var resp dto.JobDTO
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				tt.check(t, resp)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	queue := storage.NewMemory()
	r := newTestRouter(queue)

	jobID, err := queue.Enqueue(context.Background(), "default", "send_email",
		json.RawMessage(`{"to":"a@b.c"}`), storage.EnqueueOptions{})
	require.NoError(t, err)

	t.Run("found", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID, nil))

		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.JobDTO
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, jobID, resp.JobID)
		assert.Equal(t, "pending", resp.Status)
	})

	t.Run("not found", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/00000000-0000-0000-0000-000000000000", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid uuid", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestListJobs_Pagination(t *testing.T) {
	queue := storage.NewMemory()
	r := newTestRouter(queue)

	base := time.Now()
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		queue.SetClock(func() time.Time { return ts })
		_, err := queue.Enqueue(context.Background(), "default", "send_email",
			json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), storage.EnqueueOptions{})
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?page_size=3", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page1 dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page1))
	require.Len(t, page1.Jobs, 3)
	require.NotEmpty(t, page1.NextCursor)

	// Newest first
	assert.JSONEq(t, `{"n":4}`, string(page1.Jobs[0].Payload))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?page_size=3&cursor="+page1.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page2 dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page2))
	require.Len(t, page2.Jobs, 2)
	assert.Empty(t, page2.NextCursor)

	// No overlap between pages
	seen := map[string]bool{}
	for _, j := range append(page1.Jobs, page2.Jobs...) {
		assert.False(t, seen[j.JobID])
		seen[j.JobID] = true
	}
}

func TestListJobs_StatusFilter(t *testing.T) {
	queue := storage.NewMemory()
	r := newTestRouter(queue)

	_, err := queue.Enqueue(context.Background(), "default", "send_email",
		json.RawMessage(`{}`), storage.EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := queue.ClaimNext(context.Background(), "w1", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=running", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "running", resp.Jobs[0].Status)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=pending", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Jobs)
}

func TestListWorkers(t *testing.T) {
	queue := storage.NewMemory()
	r := newTestRouter(queue)

	now := time.Now()
	require.NoError(t, queue.SaveHeartbeat(context.Background(), storage.HealthRecord{
		WorkerID:      "worker-live",
		Timestamp:     now.Unix(),
		JobsProcessed: 7,
		Queues:        []string{"default"},
	}))
	require.NoError(t, queue.SaveHeartbeat(context.Background(), storage.HealthRecord{
		WorkerID:  "worker-dead",
		Timestamp: now.Add(-time.Minute).Unix(),
		Queues:    []string{"default"},
	}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListWorkersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Workers, 2)

	byID := map[string]dto.WorkerDTO{}
	for _, wk := range resp.Workers {
		byID[wk.WorkerID] = wk
	}
	assert.True(t, byID["worker-live"].Healthy)
	assert.Equal(t, 7, byID["worker-live"].JobsProcessed)
	assert.False(t, byID["worker-dead"].Healthy)
}

func TestCursorRoundTrip(t *testing.T) {
	cursor := &storage.JobCursor{
		CreatedAt: time.Unix(0, 1724900000000000000),
		JobID:     "abc-123",
	}

	encoded := EncodeJobCursor(cursor)
	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	assert.True(t, cursor.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, cursor.JobID, decoded.JobID)

	t.Run("empty cursor is nil", func(t *testing.T) {
		decoded, err := DecodeJobCursor("")
		require.NoError(t, err)
		assert.Nil(t, decoded)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := DecodeJobCursor("%%%not-base64%%%")
		assert.Error(t, err)
	})
}
