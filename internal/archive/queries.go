package archive

const (
	archiveSchema = `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			args TEXT,
			status TEXT NOT NULL,
			priority INTEGER DEFAULT 3,
			retry_count INTEGER DEFAULT 0,
			exit_code INTEGER,
			error_message TEXT,
			created_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME,
			archived_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`

	insertJob = `
		INSERT OR REPLACE INTO jobs (id, name, args, status, priority, retry_count, exit_code, error_message, created_at, started_at, completed_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	upsertArchiveMetadata = `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at)
		VALUES (1, ?)
	`

	countJobs = `
		SELECT COUNT(*) FROM jobs
	`
)
