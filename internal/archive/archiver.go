package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/orrn/runq/internal/config"
	"github.com/orrn/runq/internal/core"
)

var ErrArchiveNotFound = errors.New("archive not found")

// JobSource is the scheduler-side surface the archiver drains: terminal
// jobs older than the retention cutoff, and eviction of the ones that made
// it into an archive file.
type JobSource interface {
	ArchivableJobs(olderThan time.Time) []core.JobSnapshot
	RemoveArchived(ids []string) int
}

// Archiver periodically moves old terminal jobs out of scheduler memory
// into monthly SQLite files, sealing them with the configured passphrase.
// Live scheduling state is never read back from these files; they are a
// history sink, not persistence.
type Archiver struct {
	source        JobSource
	path          string
	retentionDays int
	schedule      string
	passphrase    string
	cron          *cron.Cron
	log           zerolog.Logger
	mu            sync.Mutex
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	JobCount  int       `json:"job_count"`
	DateRange string    `json:"date_range"`
	Encrypted bool      `json:"encrypted"`
}

func New(source JobSource, cfg *config.ArchiveConfig, log zerolog.Logger) (*Archiver, error) {
	if cfg == nil {
		cfg = &config.ArchiveConfig{}
	}
	path := cfg.Path
	if path == "" {
		path = "./data/archives"
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 30
	}
	schedule := cfg.SweepSchedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		source:        source,
		path:          path,
		retentionDays: retention,
		schedule:      schedule,
		passphrase:    cfg.Passphrase,
		log:           log,
	}, nil
}

func (a *Archiver) Start() error {
	c := cron.New()
	_, err := c.AddFunc(a.schedule, func() {
		if err := a.RunArchive(); err != nil {
			a.log.Error().Err(err).Msg("archive sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", a.schedule, err)
	}
	c.Start()
	a.cron = c
	return nil
}

func (a *Archiver) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

func (a *Archiver) HasPassphrase() bool {
	return a.passphrase != ""
}

func (a *Archiver) Path() string {
	return a.path
}

// RunArchive performs one sweep: terminal jobs whose completion is older
// than the retention window move into this month's archive file and are
// then evicted from the scheduler.
func (a *Archiver) RunArchive() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -a.retentionDays)
	jobs := a.source.ArchivableJobs(cutoff)
	if len(jobs) == 0 {
		return nil
	}

	dbPath := filepath.Join(a.path, fmt.Sprintf("archive_%s.db", time.Now().Format("2006_01")))
	sealedPath := dbPath + ".enc"

	// A sealed file for this month has to be reopened so the sweep appends
	// instead of clobbering earlier rows.
	if a.passphrase != "" && fileExists(sealedPath) && !fileExists(dbPath) {
		if err := openSealedFile(sealedPath, dbPath, a.passphrase); err != nil {
			return fmt.Errorf("failed to reopen sealed archive: %w", err)
		}
	}

	archiveDB, err := openOrCreateArchiveDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open archive database: %w", err)
	}

	tx, err := archiveDB.Begin()
	if err != nil {
		archiveDB.Close()
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}

	for _, job := range jobs {
		if err := insertArchivedJob(tx, job); err != nil {
			tx.Rollback()
			archiveDB.Close()
			return fmt.Errorf("failed to insert job into archive: %w", err)
		}
	}

	if _, err := tx.Exec(upsertArchiveMetadata, time.Now()); err != nil {
		tx.Rollback()
		archiveDB.Close()
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		archiveDB.Close()
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	archiveDB.Close()

	if a.passphrase != "" {
		if err := sealFile(dbPath, sealedPath, a.passphrase); err != nil {
			return fmt.Errorf("failed to seal archive: %w", err)
		}
		if err := os.Remove(dbPath); err != nil {
			return fmt.Errorf("failed to remove plain archive: %w", err)
		}
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	evicted := a.source.RemoveArchived(ids)

	a.log.Info().Int("jobs", len(jobs)).Int("evicted", evicted).Str("file", filepath.Base(dbPath)).Msg("archive sweep done")
	return nil
}

func openOrCreateArchiveDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func insertArchivedJob(tx *sql.Tx, job core.JobSnapshot) error {
	var exitCode interface{}
	if job.ExitCode != nil {
		exitCode = *job.ExitCode
	}
	_, err := tx.Exec(insertJob,
		job.ID, job.Name, strings.Join(job.Args, "\x1f"), string(job.Status),
		job.Priority, job.RetryCount, exitCode, job.Error,
		job.CreatedAt, job.StartedAt, job.CompletedAt, time.Now())
	return err
}

func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []*ArchiveFile
	for _, file := range files {
		if file.IsDir() || !isArchiveName(file.Name()) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		archives = append(archives, a.describe(file.Name(), info))
	}
	return archives, nil
}

func (a *Archiver) GetArchiveInfo(filename string) (*ArchiveFile, error) {
	if filepath.Base(filename) != filename || !isArchiveName(filename) {
		return nil, ErrArchiveNotFound
	}
	info, err := os.Stat(filepath.Join(a.path, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	return a.describe(filename, info), nil
}

func (a *Archiver) describe(filename string, info os.FileInfo) *ArchiveFile {
	af := &ArchiveFile{
		Filename:  filename,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		Encrypted: strings.HasSuffix(filename, ".enc"),
		DateRange: dateRangeOf(filename),
	}
	if !af.Encrypted {
		if count, err := countArchivedJobs(filepath.Join(a.path, filename)); err == nil {
			af.JobCount = count
		}
	}
	return af
}

func countArchivedJobs(path string) (int, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.QueryRow(countJobs).Scan(&count)
	return count, err
}

// DecryptArchive writes the decrypted database for a sealed archive to
// outputPath.
func (a *Archiver) DecryptArchive(filename, passphrase, outputPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if passphrase == "" {
		passphrase = a.passphrase
	}
	if passphrase == "" {
		return fmt.Errorf("passphrase not set")
	}
	if filepath.Base(filename) != filename || !strings.HasSuffix(filename, ".enc") {
		return ErrArchiveNotFound
	}

	filePath := filepath.Join(a.path, filename)
	if !fileExists(filePath) {
		return ErrArchiveNotFound
	}
	return openSealedFile(filePath, outputPath, passphrase)
}

func (a *Archiver) DeleteArchive(filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if filepath.Base(filename) != filename || !isArchiveName(filename) {
		return ErrArchiveNotFound
	}
	filePath := filepath.Join(a.path, filename)
	if !fileExists(filePath) {
		return ErrArchiveNotFound
	}
	if err := os.Remove(filePath); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, "archive_") &&
		(strings.HasSuffix(name, ".db") || strings.HasSuffix(name, ".db.enc"))
}

func dateRangeOf(name string) string {
	s := strings.TrimPrefix(name, "archive_")
	s = strings.TrimSuffix(s, ".enc")
	s = strings.TrimSuffix(s, ".db")
	return s
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
