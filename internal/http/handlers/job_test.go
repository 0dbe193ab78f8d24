package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/http/handlers"
	"github.com/clipforge/clipforge/internal/models"
)

func TestJobHandler_Create(t *testing.T) {
	t.Run("creates a job for a registered kind", func(t *testing.T) {
		env := newAPIEnv(t)

		body := `{"kind":"analyze","subject_id":"` + models.NewULID().String() + `","payload":{"note":"hi"}}`
		req := httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp handlers.JobResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, models.JobKindAnalyze, resp.Kind)
		assert.Equal(t, models.JobStatusPending, resp.Status)
		assert.Equal(t, "hi", resp.Payload["note"])
	})

	t.Run("rejects an unregistered kind", func(t *testing.T) {
		env := newAPIEnv(t)

		body := `{"kind":"transcode","payload":{}}`
		req := httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	})
}

func TestJobHandler_Get(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	job, err := env.jobSvc.Create(ctx, models.JobKindAnalyze, models.NewULID(), nil)
	require.NoError(t, err)

	t.Run("returns an existing job", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs/"+job.ID.String(), nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp handlers.JobResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, job.ID, resp.ID)
	})

	t.Run("404 for unknown ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs/"+models.NewULID().String(), nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("400 for a malformed ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs/not-a-ulid", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJobHandler_List(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	subject := models.NewULID()
	for range 2 {
		_, err := env.jobSvc.Create(ctx, models.JobKindAnalyze, subject, nil)
		require.NoError(t, err)
	}
	_, err := env.jobSvc.Create(ctx, models.JobKindExport, models.NewULID(), nil)
	require.NoError(t, err)

	decode := func(t *testing.T, rec *httptest.ResponseRecorder) []handlers.JobResponse {
		t.Helper()
		var resp struct {
			Jobs []handlers.JobResponse `json:"jobs"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return resp.Jobs
	}

	t.Run("lists all jobs", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode(t, rec), 3)
	})

	t.Run("filters by subject", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs?subject_id="+subject.String(), nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode(t, rec), 2)
	})

	t.Run("filters by kind", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs?kind=export", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		jobs := decode(t, rec)
		require.Len(t, jobs, 1)
		assert.Equal(t, models.JobKindExport, jobs[0].Kind)
	})
}

func TestJobHandler_Cancel(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	t.Run("cancels a pending job", func(t *testing.T) {
		job, err := env.jobSvc.Create(ctx, models.JobKindAnalyze, models.NewULID(), nil)
		require.NoError(t, err)

		req := httptest.NewRequest("POST", "/api/v1/jobs/"+job.ID.String()+"/cancel", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		stored, err := env.jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, stored.Status)
	})

	t.Run("422 for a finished job", func(t *testing.T) {
		job, err := env.jobSvc.Create(ctx, models.JobKindAnalyze, models.NewULID(), nil)
		require.NoError(t, err)
		job.MarkCompleted(nil)
		require.NoError(t, env.jobs.Finish(ctx, job))

		req := httptest.NewRequest("POST", "/api/v1/jobs/"+job.ID.String()+"/cancel", nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}
