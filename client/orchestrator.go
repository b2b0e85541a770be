// Package client runs the submission workflow: negotiate the required
// format with the server, confirm with the participant, build the archive,
// and send it. The workflow is strictly sequential and never retries: the
// endpoint is quota-limited and a blind retry could burn an attempt.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AutoScots/optimusprime/archive"
)

// State is the orchestrator's position in the submission workflow.
type State string

const (
	StateInit       State = "init"
	StateChecking   State = "checking"
	StateConfirming State = "confirming"
	StateBuilding   State = "building"
	StateSending    State = "sending"
	StateDone       State = "done"
	StateDeclined   State = "declined"
	StateFailed     State = "failed"
)

// DefaultTimeout bounds each HTTP call (connect plus read) when the config
// does not set one. Expiry surfaces as a network failure.
const DefaultTimeout = 60 * time.Second

// Config holds identity and target configuration for one submission.
type Config struct {
	// APIKey is the bearer credential. Required.
	APIKey string

	// ServerURL is the service base URL. Required.
	ServerURL string

	// CompetitionID selects the quota scope. Empty targets the server's
	// default competition.
	CompetitionID string

	// Root is the directory to package.
	Root string

	// CompressionLevel is the deflate level in [0,9].
	CompressionLevel int

	// Exclude adds exclusion patterns on top of the built-in defaults.
	Exclude []string

	// ForceFormat overrides the negotiated format when non-empty. The
	// format used for one send is fixed for its duration either way.
	ForceFormat archive.Format

	// AutoConfirm skips the confirmation step.
	AutoConfirm bool

	// Timeout bounds each HTTP call. Zero selects DefaultTimeout.
	Timeout time.Duration

	// HistoryPath, when non-empty, appends a record of each accepted
	// submission to a local JSONL file.
	HistoryPath string
}

// CheckInfo is what the negotiation returned, presented to the participant
// before building.
type CheckInfo struct {
	CompetitionID     string
	CompetitionName   string
	RequiredFormat    archive.Format
	RemainingAttempts int
	LastSubmission    *time.Time
}

// Confirmer collects a yes/no decision from the participant. A declined
// submission is a deliberate outcome, not a failure.
type Confirmer interface {
	Confirm(info *CheckInfo) (bool, error)
}

// Result describes an accepted submission.
type Result struct {
	Filename          string
	Size              int64
	Timestamp         time.Time
	AttemptsRemaining int
}

// Orchestrator drives one submission through the
// init → checking → [confirming] → building → sending workflow.
type Orchestrator struct {
	cfg       *Config
	confirmer Confirmer
	builder   *archive.Builder
	http      *http.Client
	log       *slog.Logger

	state State
}

// New creates an orchestrator for one submission. The confirmer may be nil
// when cfg.AutoConfirm is set.
func New(cfg *Config, confirmer Confirmer, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Orchestrator{
		cfg:       cfg,
		confirmer: confirmer,
		builder:   archive.NewBuilder(log),
		http:      &http.Client{Timeout: timeout},
		log:       log,
		state:     StateInit,
	}
}

// State returns the terminal (or current) workflow state.
func (o *Orchestrator) State() State {
	return o.state
}

// Run executes the workflow. On StateDone it returns the submission result;
// on StateDeclined it returns (nil, nil); every failure carries a Category.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	result, err := o.run(ctx)
	if err != nil {
		o.state = StateFailed
	}
	return result, err
}

func (o *Orchestrator) run(ctx context.Context) (*Result, error) {
	// Configuration and validation failures happen before any I/O.
	if o.cfg.APIKey == "" {
		return nil, failf(CategoryConfiguration, "no API key configured")
	}
	if o.cfg.ServerURL == "" {
		return nil, failf(CategoryConfiguration, "no server URL configured")
	}
	if o.cfg.CompressionLevel < 0 || o.cfg.CompressionLevel > 9 {
		return nil, failf(CategoryValidation, "compression level %d out of range [0,9]", o.cfg.CompressionLevel)
	}
	if o.cfg.ForceFormat != "" && !o.cfg.ForceFormat.Valid() {
		return nil, failf(CategoryValidation, "unknown format override: %q", o.cfg.ForceFormat)
	}

	o.state = StateChecking
	info, err := o.check(ctx)
	if err != nil {
		return nil, err
	}

	// The format is fixed here for the rest of the send.
	format := info.RequiredFormat
	if o.cfg.ForceFormat != "" {
		format = o.cfg.ForceFormat
		o.log.Info("format override in effect", "format", format)
	}

	if !o.cfg.AutoConfirm {
		o.state = StateConfirming
		if o.confirmer == nil {
			return nil, failf(CategoryConfiguration, "no confirmer available and auto-confirm not set")
		}
		proceed, err := o.confirmer.Confirm(info)
		if err != nil {
			return nil, failf(CategoryConfiguration, "confirmation failed: %v", err)
		}
		if !proceed {
			o.state = StateDeclined
			o.log.Info("submission declined by participant")
			return nil, nil
		}
	}

	o.state = StateBuilding
	archivePath, err := o.build(ctx, format)
	if err != nil {
		return nil, err
	}
	defer os.Remove(archivePath)

	o.state = StateSending
	result, err := o.send(ctx, archivePath)
	if err != nil {
		return nil, err
	}

	o.state = StateDone
	if o.cfg.HistoryPath != "" {
		if err := appendHistory(o.cfg.HistoryPath, o.cfg.CompetitionID, result); err != nil {
			o.log.Warn("could not record submission history", "err", err)
		}
	}
	return result, nil
}

// check performs the single negotiation call.
func (o *Orchestrator) check(ctx context.Context) (*CheckInfo, error) {
	checkURL := strings.TrimSuffix(o.cfg.ServerURL, "/") + "/check"
	if o.cfg.CompetitionID != "" {
		checkURL += "?competition=" + o.cfg.CompetitionID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return nil, failf(CategoryConfiguration, "invalid server URL: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, failf(CategoryNetwork, "negotiation failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, failf(CategoryAuth, "server rejected credential: %s", readServerError(resp.Body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, failf(CategoryServer, "check returned status %d: %s", resp.StatusCode, readServerError(resp.Body))
	}

	var body struct {
		RequiredFormat    string  `json:"required_format"`
		RemainingAttempts int     `json:"remaining_attempts"`
		LastSubmission    *string `json:"last_submission_by_user"`
		CompetitionName   string  `json:"competition_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, failf(CategoryServer, "undecodable check response: %v", err)
	}

	format, err := archive.ParseFormat(body.RequiredFormat)
	if err != nil {
		return nil, failf(CategoryServer, "server negotiated %v", err)
	}

	info := &CheckInfo{
		CompetitionID:     o.cfg.CompetitionID,
		CompetitionName:   body.CompetitionName,
		RequiredFormat:    format,
		RemainingAttempts: body.RemainingAttempts,
	}
	if body.LastSubmission != nil {
		if last, err := time.Parse(time.RFC3339, *body.LastSubmission); err == nil {
			info.LastSubmission = &last
		}
	}

	o.log.Info("negotiated submission terms",
		"competition", info.CompetitionName,
		"format", info.RequiredFormat,
		"remaining_attempts", info.RemainingAttempts)
	return info, nil
}

// build packages the root directory into a temporary archive file and
// returns its path. The caller removes it.
func (o *Orchestrator) build(ctx context.Context, format archive.Format) (string, error) {
	tmp, err := os.CreateTemp("", "optimusprime-*.zip")
	if err != nil {
		return "", failf(CategoryArchive, "creating archive file: %v", err)
	}

	summary, err := o.builder.Build(ctx, &archive.Request{
		Root:             o.cfg.Root,
		Format:           format,
		CompressionLevel: o.cfg.CompressionLevel,
		Exclude:          o.cfg.Exclude,
	}, tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", failf(CategoryArchive, "building archive: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", failf(CategoryArchive, "closing archive file: %v", err)
	}

	o.log.Info("archive built",
		"files", summary.FileCount,
		"bytes", summary.Bytes,
		"skipped", len(summary.Skipped))
	return tmp.Name(), nil
}

// send performs the single multipart upload. There is no retry on any
// outcome.
func (o *Orchestrator) send(ctx context.Context, archivePath string) (*Result, error) {
	uploadName := filepath.Base(o.cfg.Root)
	if uploadName == "." || uploadName == string(filepath.Separator) || uploadName == "" {
		uploadName = "submission"
	}
	uploadName += ".zip"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename=%q`, uploadName))
	header.Set("Content-Type", "application/zip")
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, failf(CategoryArchive, "preparing upload: %v", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, failf(CategoryArchive, "reopening archive: %v", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		f.Close()
		return nil, failf(CategoryArchive, "reading archive: %v", err)
	}
	f.Close()

	if o.cfg.CompetitionID != "" {
		if err := mw.WriteField("competition", o.cfg.CompetitionID); err != nil {
			return nil, failf(CategoryArchive, "preparing upload: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, failf(CategoryArchive, "preparing upload: %v", err)
	}

	submitURL := strings.TrimSuffix(o.cfg.ServerURL, "/") + "/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, &body)
	if err != nil {
		return nil, failf(CategoryConfiguration, "invalid server URL: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, failf(CategoryNetwork, "upload failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Accepted; decoded below.
	case resp.StatusCode == http.StatusForbidden:
		// 403 is ambiguous: the error code separates an exhausted
		// quota from a rejected credential.
		message, code := readServerErrorCode(resp.Body)
		if code == "quota" {
			return nil, failf(CategoryQuota, "%s", message)
		}
		return nil, failf(CategoryAuth, "server rejected credential: %s", message)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, failf(CategoryAuth, "server rejected credential: %s", readServerError(resp.Body))
	default:
		return nil, failf(CategoryServer, "submit returned status %d: %s", resp.StatusCode, readServerError(resp.Body))
	}

	var accepted struct {
		Filename          string `json:"filename"`
		Size              int64  `json:"size"`
		Timestamp         string `json:"timestamp"`
		AttemptsRemaining int    `json:"attempts_remaining"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return nil, failf(CategoryServer, "undecodable submit response: %v", err)
	}

	timestamp, err := time.Parse(time.RFC3339, accepted.Timestamp)
	if err != nil {
		timestamp = time.Now()
	}

	return &Result{
		Filename:          accepted.Filename,
		Size:              accepted.Size,
		Timestamp:         timestamp,
		AttemptsRemaining: accepted.AttemptsRemaining,
	}, nil
}

// readServerError extracts the error message from a JSON error body, falling
// back to raw text.
func readServerError(r io.Reader) string {
	message, _ := readServerErrorCode(r)
	return message
}

func readServerErrorCode(r io.Reader) (message, code string) {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "(no response body)", ""
	}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return strings.TrimSpace(string(raw)), ""
	}
	return body.Error, body.Code
}
