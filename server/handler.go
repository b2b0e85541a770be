package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AutoScots/optimusprime/quota"
)

// maxUploadBytes bounds the multipart memory buffer; larger file parts spill
// to temporary files.
const maxUploadBytes = 64 << 20

// Error codes carried in JSON error bodies. Clients use the code to
// discriminate the two 403 cases (bad credential vs exhausted quota).
const (
	CodeAuth       = "auth"
	CodeQuota      = "quota"
	CodeBadRequest = "bad_request"
	CodeServer     = "server"
)

// CheckResponse is the negotiation result for one (identity, competition).
type CheckResponse struct {
	RequiredFormat    string  `json:"required_format"`
	RemainingAttempts int     `json:"remaining_attempts"`
	LastSubmission    *string `json:"last_submission_by_user"`
	CompetitionName   string  `json:"competition_name"`
}

// SubmitResponse confirms an accepted submission.
type SubmitResponse struct {
	Message           string `json:"message"`
	Filename          string `json:"filename"`
	Size              int64  `json:"size"`
	Timestamp         string `json:"timestamp"`
	Competition       string `json:"competition"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

// CompetitionsResponse lists the registered competitions.
type CompetitionsResponse struct {
	Competitions []Competition `json:"competitions"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handler serves the submission protocol endpoints.
type Handler struct {
	policy   *Policy
	ledger   *quota.Ledger
	store    quota.SubmissionStore
	resolver IdentityResolver
	log      *slog.Logger
}

// NewHandler wires the negotiation and ingestion endpoints.
func NewHandler(policy *Policy, ledger *quota.Ledger, store quota.SubmissionStore,
	resolver IdentityResolver, log *slog.Logger) (*Handler, error) {

	if policy == nil {
		return nil, errors.New("policy cannot be nil")
	}
	if ledger == nil {
		return nil, errors.New("ledger cannot be nil")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if resolver == nil {
		return nil, errors.New("identity resolver cannot be nil")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		policy:   policy,
		ledger:   ledger,
		store:    store,
		resolver: resolver,
		log:      log,
	}, nil
}

// RegisterRoutes registers the submission protocol routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/check", h.handleCheck)
	r.Post("/submit", h.handleSubmit)
	r.Get("/competitions", h.handleCompetitions)
}

// authenticate extracts and resolves the bearer credential. A missing or
// malformed header is 401; a credential the resolver rejects is 403.
func (h *Handler) authenticate(r *http.Request) (string, int, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", http.StatusUnauthorized, errors.New("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", http.StatusUnauthorized, errors.New("malformed Authorization header")
	}

	identity, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		return "", http.StatusForbidden, fmt.Errorf("invalid token: %w", err)
	}
	return identity, 0, nil
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	identity, status, err := h.authenticate(r)
	if err != nil {
		writeError(w, status, CodeAuth, err.Error())
		return
	}

	competition, _ := h.policy.Lookup(r.URL.Query().Get("competition"))
	key := quota.Key{Identity: identity, CompetitionID: competition.ID}

	resp := &CheckResponse{
		RequiredFormat:    string(competition.Format),
		RemainingAttempts: h.ledger.Remaining(key, competition.MaxAttempts),
		CompetitionName:   competition.Name,
	}
	if last, ok := h.ledger.LastSubmission(key); ok {
		formatted := last.UTC().Format(time.RFC3339)
		resp.LastSubmission = &formatted
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity, status, err := h.authenticate(r)
	if err != nil {
		writeError(w, status, CodeAuth, err.Error())
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("parsing multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "no file attached")
		return
	}
	defer file.Close()

	competition, _ := h.policy.Lookup(r.FormValue("competition"))
	key := quota.Key{Identity: identity, CompetitionID: competition.ID}

	// Quota check and accept are one atomic step; everything after it must
	// either complete or roll the attempt back.
	attemptsRemaining, ok := h.ledger.Record(key, competition.MaxAttempts)
	if !ok {
		h.log.Info("submission rejected, quota exhausted",
			"competition", competition.ID, "max_attempts", competition.MaxAttempts)
		writeError(w, http.StatusForbidden, CodeQuota,
			fmt.Sprintf("no attempts remaining for %s (limit %d)", competition.ID, competition.MaxAttempts))
		return
	}

	saved, err := h.store.Save(competition.ID, identity, fileHeader.Filename, file)
	if err != nil {
		// An accepted-but-unstored submission must not consume quota.
		h.ledger.Rollback(key)
		h.log.Error("submission storage failed, attempt rolled back",
			"competition", competition.ID, "err", err)
		writeError(w, http.StatusInternalServerError, CodeServer, "failed to store submission")
		return
	}

	now := time.Now()
	h.ledger.Touch(key, now)

	h.log.Info("submission accepted",
		"competition", competition.ID,
		"filename", saved.Name,
		"size", saved.Size,
		"attempts_remaining", attemptsRemaining)

	writeJSON(w, http.StatusOK, &SubmitResponse{
		Message:           "submission accepted",
		Filename:          saved.Name,
		Size:              saved.Size,
		Timestamp:         now.UTC().Format(time.RFC3339),
		Competition:       competition.ID,
		AttemptsRemaining: attemptsRemaining,
	})
}

func (h *Handler) handleCompetitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &CompetitionsResponse{
		Competitions: h.policy.Registered(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &ErrorResponse{Error: message, Code: code})
}
