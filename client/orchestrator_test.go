package client

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/AutoScots/optimusprime/archive"
	"github.com/AutoScots/optimusprime/quota"
	"github.com/AutoScots/optimusprime/server"
)

// testService spins up a real submission service backed by a filesystem
// store, so orchestrator tests exercise the actual wire protocol.
func testService(t *testing.T, competitions []server.Competition, resolver server.IdentityResolver) (*httptest.Server, string) {
	t.Helper()

	storageDir := t.TempDir()
	store, err := quota.NewFSStore(storageDir)
	require.NoError(t, err)

	policy, err := server.NewPolicy(archive.FormatRepo, 5, competitions)
	require.NoError(t, err)

	if resolver == nil {
		resolver = server.TokenIdentityResolver{}
	}
	handler, err := server.NewHandler(policy, quota.NewLedger(), store, resolver, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, storageDir
}

func testWorkTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, p := range []string{"main.py", "util/helper.py", "README.md", ".git/config"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}
	return root
}

// recordingConfirmer captures the negotiated terms and answers a canned
// decision.
type recordingConfirmer struct {
	seen   *CheckInfo
	answer bool
}

func (c *recordingConfirmer) Confirm(info *CheckInfo) (bool, error) {
	c.seen = info
	return c.answer, nil
}

func TestRun_DoneHappyPath(t *testing.T) {
	srv, _ := testService(t, []server.Competition{
		{ID: "competition-123", Name: "Test", MaxAttempts: 3, Format: archive.FormatRepo},
	}, nil)

	o := New(&Config{
		APIKey:           "abc",
		ServerURL:        srv.URL,
		CompetitionID:    "competition-123",
		Root:             testWorkTree(t),
		CompressionLevel: 6,
		AutoConfirm:      true,
	}, nil, nil)

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateDone, o.State())
	require.Equal(t, 2, result.AttemptsRemaining)
	require.Greater(t, result.Size, int64(0))
	require.NotEmpty(t, result.Filename)
}

func TestRun_ConfirmerSeesNegotiatedTermsAndCanDecline(t *testing.T) {
	srv, _ := testService(t, []server.Competition{
		{ID: "c", Name: "Visible Name", MaxAttempts: 4, Format: archive.FormatPy},
	}, nil)

	confirmer := &recordingConfirmer{answer: false}
	o := New(&Config{
		APIKey:           "abc",
		ServerURL:        srv.URL,
		CompetitionID:    "c",
		Root:             testWorkTree(t),
		CompressionLevel: 6,
	}, confirmer, nil)

	result, err := o.Run(context.Background())
	require.NoError(t, err, "declining is not a failure")
	require.Nil(t, result)
	require.Equal(t, StateDeclined, o.State())

	require.NotNil(t, confirmer.seen)
	require.Equal(t, "Visible Name", confirmer.seen.CompetitionName)
	require.Equal(t, archive.FormatPy, confirmer.seen.RequiredFormat)
	require.Equal(t, 4, confirmer.seen.RemainingAttempts)
}

func TestRun_ForcedFormatOverridesNegotiation(t *testing.T) {
	srv, storageDir := testService(t, []server.Competition{
		{ID: "c", Name: "C", MaxAttempts: 3, Format: archive.FormatRepo},
	}, nil)

	o := New(&Config{
		APIKey:           "abc",
		ServerURL:        srv.URL,
		CompetitionID:    "c",
		Root:             testWorkTree(t),
		CompressionLevel: 6,
		ForceFormat:      archive.FormatPy,
		AutoConfirm:      true,
	}, nil, nil)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	// The stored archive must contain the py subset, not the full tree.
	entries, err := os.ReadDir(filepath.Join(storageDir, "c"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	zr, err := zip.OpenReader(filepath.Join(storageDir, "c", entries[0].Name()))
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	require.Equal(t, []string{"main.py", "util/helper.py"}, names)
}

func TestRun_QuotaExhaustedMapsToQuotaCategory(t *testing.T) {
	srv, _ := testService(t, []server.Competition{
		{ID: "c", Name: "C", MaxAttempts: 1, Format: archive.FormatRepo},
	}, nil)

	cfg := &Config{
		APIKey:           "abc",
		ServerURL:        srv.URL,
		CompetitionID:    "c",
		Root:             testWorkTree(t),
		CompressionLevel: 6,
		AutoConfirm:      true,
	}

	_, err := New(cfg, nil, nil).Run(context.Background())
	require.NoError(t, err)

	// Second attempt: the check still passes (it is a pure read race
	// window), the submit is rejected with the quota code.
	o := New(cfg, nil, nil)
	_, err = o.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, o.State())
	category, ok := CategoryOf(err)
	require.True(t, ok)
	require.Equal(t, CategoryQuota, category)
}

func TestRun_BadCredentialMapsToAuthCategory(t *testing.T) {
	srv, _ := testService(t, nil, server.StaticResolver{"good": "alice"})

	o := New(&Config{
		APIKey:           "bad",
		ServerURL:        srv.URL,
		Root:             testWorkTree(t),
		CompressionLevel: 6,
		AutoConfirm:      true,
	}, nil, nil)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	category, _ := CategoryOf(err)
	require.Equal(t, CategoryAuth, category)
}

func TestRun_TransportFailureMapsToNetworkCategory(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listens anymore

	o := New(&Config{
		APIKey:           "abc",
		ServerURL:        srv.URL,
		Root:             testWorkTree(t),
		CompressionLevel: 6,
		AutoConfirm:      true,
	}, nil, nil)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	category, _ := CategoryOf(err)
	require.Equal(t, CategoryNetwork, category)
}

func TestRun_ServerErrorMapsToServerCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	o := New(&Config{
		APIKey:           "abc",
		ServerURL:        srv.URL,
		Root:             testWorkTree(t),
		CompressionLevel: 6,
		AutoConfirm:      true,
	}, nil, nil)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	category, _ := CategoryOf(err)
	require.Equal(t, CategoryServer, category)
}

func TestRun_ConfigurationFailsBeforeAnyIO(t *testing.T) {
	// The server URL is unroutable; if validation did any I/O these would
	// surface as network errors instead.
	for _, cfg := range []*Config{
		{ServerURL: "http://192.0.2.1", Root: ".", CompressionLevel: 6, AutoConfirm: true},
		{APIKey: "abc", Root: ".", CompressionLevel: 6, AutoConfirm: true},
	} {
		o := New(cfg, nil, nil)
		_, err := o.Run(context.Background())
		require.Error(t, err)
		require.Equal(t, StateFailed, o.State())
		category, _ := CategoryOf(err)
		require.Equal(t, CategoryConfiguration, category)
	}
}

func TestRun_InvalidCompressionFailsValidation(t *testing.T) {
	o := New(&Config{
		APIKey:           "abc",
		ServerURL:        "http://192.0.2.1",
		Root:             ".",
		CompressionLevel: 11,
		AutoConfirm:      true,
	}, nil, nil)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	category, _ := CategoryOf(err)
	require.Equal(t, CategoryValidation, category)
}

func TestRun_ArchiveFailureMapsToArchiveCategory(t *testing.T) {
	srv, _ := testService(t, nil, nil)

	o := New(&Config{
		APIKey:           "abc",
		ServerURL:        srv.URL,
		Root:             filepath.Join(t.TempDir(), "does-not-exist"),
		CompressionLevel: 6,
		AutoConfirm:      true,
	}, nil, nil)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	category, _ := CategoryOf(err)
	require.Equal(t, CategoryArchive, category)
}

func TestRun_HistoryRecorded(t *testing.T) {
	srv, _ := testService(t, nil, nil)
	historyPath := filepath.Join(t.TempDir(), "history.jsonl")

	o := New(&Config{
		APIKey:           "abc",
		ServerURL:        srv.URL,
		CompetitionID:    "anything",
		Root:             testWorkTree(t),
		CompressionLevel: 6,
		AutoConfirm:      true,
		HistoryPath:      historyPath,
	}, nil, nil)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(historyPath)
	require.NoError(t, err)
	require.Contains(t, string(data), `"competition":"anything"`)
}
