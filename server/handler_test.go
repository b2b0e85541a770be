package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/AutoScots/optimusprime/archive"
	"github.com/AutoScots/optimusprime/quota"
)

func setupTestHandler(t *testing.T, store quota.SubmissionStore) chi.Router {
	t.Helper()

	policy, err := NewPolicy(archive.FormatRepo, 5, []Competition{
		{ID: "competition-123", Name: "Test Competition", MaxAttempts: 3, Format: archive.FormatPy},
		{ID: "open-repo", Name: "Open Repo Contest", MaxAttempts: 10, Format: archive.FormatRepo},
	})
	require.NoError(t, err)

	if store == nil {
		store = quota.NewMemStore()
	}

	handler, err := NewHandler(policy, quota.NewLedger(), store, TokenIdentityResolver{}, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r
}

func multipartSubmission(t *testing.T, competition string, content []byte) (io.Reader, string) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "submission.zip")
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	if competition != "" {
		require.NoError(t, mw.WriteField("competition", competition))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func doSubmit(t *testing.T, router chi.Router, token, competition string) *httptest.ResponseRecorder {
	t.Helper()

	body, contentType := multipartSubmission(t, competition, []byte("PK\x03\x04fake"))
	req := httptest.NewRequest("POST", "/submit", body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestCheck_MissingAuthorizationIs401(t *testing.T) {
	router := setupTestHandler(t, nil)

	req := httptest.NewRequest("GET", "/check", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, CodeAuth, decodeError(t, w).Code)
}

func TestCheck_InvalidTokenIs403(t *testing.T) {
	policy, err := NewPolicy(archive.FormatRepo, 5, nil)
	require.NoError(t, err)
	handler, err := NewHandler(policy, quota.NewLedger(), quota.NewMemStore(),
		StaticResolver{"good-token": "alice"}, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	req := httptest.NewRequest("GET", "/check", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodeAuth, decodeError(t, w).Code)
}

func TestCheck_ReturnsNegotiatedFormatAndQuota(t *testing.T) {
	router := setupTestHandler(t, nil)

	req := httptest.NewRequest("GET", "/check?competition=competition-123", nil)
	req.Header.Set("Authorization", "Bearer abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp CheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "py", resp.RequiredFormat)
	require.Equal(t, 3, resp.RemainingAttempts)
	require.Equal(t, "Test Competition", resp.CompetitionName)
	require.Nil(t, resp.LastSubmission)
}

func TestCheck_UnregisteredCompetitionIsLenient(t *testing.T) {
	router := setupTestHandler(t, nil)

	req := httptest.NewRequest("GET", "/check?competition=not-yet-registered", nil)
	req.Header.Set("Authorization", "Bearer abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp CheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, UnregisteredName, resp.CompetitionName)
	require.Equal(t, 5, resp.RemainingAttempts) // policy default
	require.Equal(t, "repo", resp.RequiredFormat)
}

func TestSubmit_NoFileAttachedIs400(t *testing.T) {
	router := setupTestHandler(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("competition", "competition-123"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/submit", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, CodeBadRequest, decodeError(t, w).Code)
}

func TestSubmit_EndToEndQuotaAccounting(t *testing.T) {
	router := setupTestHandler(t, nil)

	// Submits 1-3 succeed with attempts_remaining 2, 1, 0.
	for _, want := range []int{2, 1, 0} {
		w := doSubmit(t, router, "abc", "competition-123")
		require.Equal(t, http.StatusOK, w.Code)

		var resp SubmitResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		require.Equal(t, want, resp.AttemptsRemaining)
		require.Equal(t, "competition-123", resp.Competition)
		require.NotEmpty(t, resp.Filename)
		require.NotEmpty(t, resp.Timestamp)
	}

	// Submit 4 fails with the distinct quota code.
	w := doSubmit(t, router, "abc", "competition-123")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodeQuota, decodeError(t, w).Code)

	// Rejection is idempotent: repeating it changes nothing.
	w = doSubmit(t, router, "abc", "competition-123")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodeQuota, decodeError(t, w).Code)

	// Check agrees after exhaustion, and reports the last submission.
	req := httptest.NewRequest("GET", "/check?competition=competition-123", nil)
	req.Header.Set("Authorization", "Bearer abc")
	cw := httptest.NewRecorder()
	router.ServeHTTP(cw, req)
	var check CheckResponse
	require.NoError(t, json.NewDecoder(cw.Body).Decode(&check))
	require.Equal(t, 0, check.RemainingAttempts)
	require.NotNil(t, check.LastSubmission)

	// A different identity is unaffected.
	w = doSubmit(t, router, "someone-else", "competition-123")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSubmit_ConcurrentLastSlot(t *testing.T) {
	policy, err := NewPolicy(archive.FormatRepo, 5, []Competition{
		{ID: "tight", Name: "Tight", MaxAttempts: 1, Format: archive.FormatRepo},
	})
	require.NoError(t, err)
	handler, err := NewHandler(policy, quota.NewLedger(), quota.NewMemStore(), TokenIdentityResolver{}, nil)
	require.NoError(t, err)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	const callers = 16
	var wg sync.WaitGroup
	codes := make(chan int, callers)
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, contentType := multipartSubmission(t, "tight", []byte("x"))
			req := httptest.NewRequest("POST", "/submit", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("Authorization", "Bearer abc")
			w := httptest.NewRecorder()
			<-start
			router.ServeHTTP(w, req)
			codes <- w.Code
		}()
	}
	close(start)
	wg.Wait()
	close(codes)

	ok, quotaRejected := 0, 0
	for code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusForbidden:
			quotaRejected++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	require.Equal(t, 1, ok, "exactly one submission may take the last attempt")
	require.Equal(t, callers-1, quotaRejected)
}

// failingStore rejects every save to exercise the rollback path.
type failingStore struct{}

func (failingStore) Save(string, string, string, io.Reader) (*quota.SavedObject, error) {
	return nil, errors.New("disk full")
}

func TestSubmit_StorageFailureRollsBackAttempt(t *testing.T) {
	policy, err := NewPolicy(archive.FormatRepo, 5, []Competition{
		{ID: "c", Name: "C", MaxAttempts: 2, Format: archive.FormatRepo},
	})
	require.NoError(t, err)

	ledger := quota.NewLedger()
	handler, err := NewHandler(policy, ledger, failingStore{}, TokenIdentityResolver{}, nil)
	require.NoError(t, err)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	w := doSubmit(t, router, "abc", "c")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	key := quota.Key{Identity: "abc", CompetitionID: "c"}
	require.Equal(t, 2, ledger.Remaining(key, 2), "failed persistence must not consume quota")
}

func TestCompetitions_ListsRegisteredOnly(t *testing.T) {
	router := setupTestHandler(t, nil)

	req := httptest.NewRequest("GET", "/competitions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp CompetitionsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Competitions, 2)
	require.Equal(t, "competition-123", resp.Competitions[0].ID)
	require.Equal(t, 3, resp.Competitions[0].MaxAttempts)
	require.Equal(t, "open-repo", resp.Competitions[1].ID)
}

func TestSubmit_StoresArchiveBytes(t *testing.T) {
	store := quota.NewMemStore()
	router := setupTestHandler(t, store)

	w := doSubmit(t, router, "abc", "competition-123")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, store.Len())
}
