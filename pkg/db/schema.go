package db

// Schema defines the SQLite schema for the flash job archive. One row per
// job, written when the job is submitted and updated on every phase change.
const Schema = `
CREATE TABLE IF NOT EXISTS flash_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL UNIQUE,
    device_id TEXT NOT NULL,
    device_path TEXT NOT NULL,
    image_path TEXT NOT NULL,
    family TEXT,
    scheme TEXT,
    state TEXT NOT NULL,
    error_kind TEXT,
    error_message TEXT,
    device_destroyed INTEGER NOT NULL DEFAULT 0,
    bytes_written INTEGER NOT NULL DEFAULT 0,
    source_sha256 TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_flash_jobs_job_id ON flash_jobs(job_id);
CREATE INDEX IF NOT EXISTS idx_flash_jobs_device_id ON flash_jobs(device_id);
CREATE INDEX IF NOT EXISTS idx_flash_jobs_state ON flash_jobs(state);
CREATE INDEX IF NOT EXISTS idx_flash_jobs_created_at ON flash_jobs(created_at);
`

// FlashJob is an archived job record. State holds job.State values.
type FlashJob struct {
	ID              int64
	JobID           string
	DeviceID        string
	DevicePath      string
	ImagePath       string
	Family          string
	Scheme          string
	State           string
	ErrorKind       string
	ErrorMessage    string
	DeviceDestroyed bool
	BytesWritten    int64
	SourceSHA256    string
	CreatedAt       string
	UpdatedAt       string
}

// Terminal reports whether the record reached done or failed.
func (j *FlashJob) Terminal() bool {
	return j.State == "done" || j.State == "failed"
}
