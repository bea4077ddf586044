package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/orrn/runq/internal/archive"
	"github.com/orrn/runq/internal/config"
	"github.com/orrn/runq/internal/core"
)

type archiveSource struct {
	jobs []core.JobSnapshot
}

func (s *archiveSource) ArchivableJobs(olderThan time.Time) []core.JobSnapshot { return s.jobs }
func (s *archiveSource) RemoveArchived(ids []string) int                       { return len(ids) }

func oldJob(id, name string) core.JobSnapshot {
	completed := time.Now().AddDate(0, 0, -45)
	started := completed.Add(-time.Minute)
	exit := 0
	return core.JobSnapshot{
		ID:          id,
		Name:        name,
		Status:      core.JobStatusCompleted,
		Priority:    3,
		ExitCode:    &exit,
		CreatedAt:   started.Add(-time.Minute),
		StartedAt:   &started,
		CompletedAt: &completed,
	}
}

func newArchiveRouter(t *testing.T, passphrase string) (*gin.Engine, *archive.Archiver) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	src := &archiveSource{jobs: []core.JobSnapshot{oldJob("arch-1", "cleanup")}}
	archiver, err := archive.New(src, &config.ArchiveConfig{
		Path:          t.TempDir(),
		RetentionDays: 30,
		Passphrase:    passphrase,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}

	r := gin.New()
	NewArchiveHandler(archiver).RegisterRoutes(r.Group("/api/v1"))
	return r, archiver
}

func archiveFilename() string {
	return fmt.Sprintf("archive_%s.db", time.Now().Format("2006_01"))
}

func mustDecode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, w.Body.String())
	}
}

func TestArchiveRoutes_SweepListInfo(t *testing.T) {
	t.Parallel()
	r, _ := newArchiveRouter(t, "")

	w := performJSON(r, http.MethodPost, "/api/v1/archives/run", "")
	if w.Code != http.StatusOK {
		t.Fatalf("sweep status = %d (body %s)", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "archive sweep completed") {
		t.Errorf("sweep body = %s", w.Body.String())
	}

	w = performJSON(r, http.MethodGet, "/api/v1/archives", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list ArchiveListResponse
	mustDecode(t, w, &list)
	if list.Count != 1 || len(list.Archives) != 1 {
		t.Fatalf("count = %d, archives = %d, want 1/1", list.Count, len(list.Archives))
	}
	if list.Archives[0].Filename != archiveFilename() {
		t.Errorf("filename = %q, want %q", list.Archives[0].Filename, archiveFilename())
	}

	w = performJSON(r, http.MethodGet, "/api/v1/archives/"+archiveFilename(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("info status = %d (body %s)", w.Code, w.Body.String())
	}
	var info archive.ArchiveFile
	mustDecode(t, w, &info)
	if info.JobCount != 1 || info.Encrypted {
		t.Errorf("info = %+v, want one plain job", info)
	}

	w = performJSON(r, http.MethodGet, "/api/v1/archives/archive_1999_01.db", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing archive status = %d, want 404", w.Code)
	}
}

func TestArchiveRoutes_Download(t *testing.T) {
	t.Parallel()
	r, _ := newArchiveRouter(t, "")

	if w := performJSON(r, http.MethodPost, "/api/v1/archives/run", ""); w.Code != http.StatusOK {
		t.Fatalf("sweep status = %d", w.Code)
	}

	w := performJSON(r, http.MethodGet, "/api/v1/archives/"+archiveFilename()+"/download", "")
	if w.Code != http.StatusOK {
		t.Fatalf("download status = %d (body %s)", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Disposition"); !strings.Contains(got, archiveFilename()) {
		t.Errorf("content disposition = %q", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("content type = %q", got)
	}
	if !strings.HasPrefix(w.Body.String(), "SQLite format 3") {
		t.Error("download body is not a SQLite database")
	}
}

func TestArchiveRoutes_DownloadSealed(t *testing.T) {
	t.Parallel()
	r, _ := newArchiveRouter(t, "open sesame")

	if w := performJSON(r, http.MethodPost, "/api/v1/archives/run", ""); w.Code != http.StatusOK {
		t.Fatalf("sweep status = %d (body %s)", w.Code, w.Body.String())
	}

	sealedName := archiveFilename() + ".enc"
	w := performJSON(r, http.MethodGet, "/api/v1/archives/"+sealedName+"/download", "")
	if w.Code != http.StatusOK {
		t.Fatalf("download status = %d (body %s)", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Disposition"); strings.Contains(got, ".enc") {
		t.Errorf("content disposition = %q, want the decrypted name", got)
	}
	if !strings.HasPrefix(w.Body.String(), "SQLite format 3") {
		t.Error("sealed download did not decrypt to a SQLite database")
	}
}

func TestArchiveRoutes_Delete(t *testing.T) {
	t.Parallel()
	r, _ := newArchiveRouter(t, "")

	if w := performJSON(r, http.MethodPost, "/api/v1/archives/run", ""); w.Code != http.StatusOK {
		t.Fatalf("sweep status = %d", w.Code)
	}

	w := performJSON(r, http.MethodDelete, "/api/v1/archives/"+archiveFilename(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d (body %s)", w.Code, w.Body.String())
	}
	w = performJSON(r, http.MethodDelete, "/api/v1/archives/"+archiveFilename(), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestArchiveRoutes_SweepFailure(t *testing.T) {
	t.Parallel()
	r, archiver := newArchiveRouter(t, "")

	// Removing the directory underneath the archiver forces the sweep to fail.
	if err := os.RemoveAll(archiver.Path()); err != nil {
		t.Fatal(err)
	}

	w := performJSON(r, http.MethodPost, "/api/v1/archives/run", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("sweep status = %d, want 500 (body %s)", w.Code, w.Body.String())
	}
	if msg := errorBody(t, w); msg == "" {
		t.Error("missing error detail")
	}
}
