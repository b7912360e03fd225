package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite job journal: refinement runs, their per-micrograph
// jobs and the relations between input and output sets.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers from concurrent pipeline workers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS refinement_runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            particles_path TEXT,
            micrographs_path TEXT,
            output_path TEXT,
            params_json TEXT,
            particles_in INTEGER DEFAULT 0,
            particles_out INTEGER DEFAULT 0,
            micrographs INTEGER DEFAULT 0,
            failed INTEGER DEFAULT 0,
            summary TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            run_id TEXT,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS set_relations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT,
            relation TEXT NOT NULL,
            source_path TEXT NOT NULL,
            target_path TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_processing_jobs_run_id ON processing_jobs(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_set_relations_target ON set_relations(target_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunRecord captures one refinement run.
type RunRecord struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	ParticlesPath   string     `json:"particles_path"`
	MicrographsPath string     `json:"micrographs_path"`
	OutputPath      string     `json:"output_path"`
	ParamsJSON      string     `json:"params"`
	ParticlesIn     int        `json:"particles_in"`
	ParticlesOut    int        `json:"particles_out"`
	Micrographs     int        `json:"micrographs"`
	Failed          int        `json:"failed"`
	Summary         string     `json:"summary,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// RunCounts are the totals recorded when a run finishes.
type RunCounts struct {
	ParticlesIn  int
	ParticlesOut int
	Micrographs  int
	Failed       int
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RelationRecord links an output set to the set it was derived from.
type RelationRecord struct {
	RunID      string `json:"run_id"`
	Relation   string `json:"relation"`
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
}

// RelationTransform marks an output set derived from its source by a
// per-item transformation.
const RelationTransform = "transform"

// RecordRunStart inserts a running refinement.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	status := rec.Status
	if status == "" {
		status = StatusRunning
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO refinement_runs (id, status, particles_path, micrographs_path, output_path, params_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, status, rec.ParticlesPath, rec.MicrographsPath, rec.OutputPath, rec.ParamsJSON)
	return err
}

// RecordRunResult finalizes a run with its counts and summary.
func (s *Store) RecordRunResult(id, status string, counts RunCounts, summary, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE refinement_runs SET status=?, particles_in=?, particles_out=?, micrographs=?, failed=?, summary=?, error_message=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		status, counts.ParticlesIn, counts.ParticlesOut, counts.Micrographs, counts.Failed, summary, errMsg, id)
	return err
}

const runColumns = `id, status, particles_path, micrographs_path, output_path, params_json, particles_in, particles_out, micrographs, failed, summary, created_at, completed_at, error_message`

func scanRun(sc interface{ Scan(...any) error }) (RunRecord, error) {
	var rec RunRecord
	var params, summary, errorMsg sql.NullString
	var completed sql.NullTime
	if err := sc.Scan(&rec.ID, &rec.Status, &rec.ParticlesPath, &rec.MicrographsPath, &rec.OutputPath, &params,
		&rec.ParticlesIn, &rec.ParticlesOut, &rec.Micrographs, &rec.Failed, &summary, &rec.CreatedAt, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.ParamsJSON = params.String
	rec.Summary = summary.String
	rec.Error = errorMsg.String
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// Run fetches a single run.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	return scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM refinement_runs WHERE id=?;`, id))
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM refinement_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, run_id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.RunID, rec.JobType, StatusQueued, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

const jobColumns = `id, run_id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message`

func (s *Store) queryJobs(query string, args ...any) ([]JobRecord, error) {
	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var runID, input, output, options, errorMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &runID, &rec.JobType, &rec.Status, &input, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.RunID = runID.String
		rec.InputPath = input.String
		rec.OutputPath = output.String
		rec.OptionsJSON = options.String
		rec.Error = errorMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return s.queryJobs(`SELECT `+jobColumns+` FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
}

// RunJobs returns the jobs of one run in submission order.
func (s *Store) RunJobs(runID string) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return s.queryJobs(`SELECT `+jobColumns+` FROM processing_jobs WHERE run_id=? ORDER BY rowid;`, runID)
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordRelation persists a derivation link between two sets.
func (s *Store) RecordRelation(rec RelationRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO set_relations (run_id, relation, source_path, target_path) VALUES (?, ?, ?, ?);`,
		rec.RunID, rec.Relation, rec.SourcePath, rec.TargetPath)
	return err
}

// Relations returns every relation whose target is path.
func (s *Store) Relations(target string) ([]RelationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, relation, source_path, target_path FROM set_relations WHERE target_path=? ORDER BY id;`, target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []RelationRecord
	for rows.Next() {
		var rec RelationRecord
		var runID sql.NullString
		if err := rows.Scan(&runID, &rec.Relation, &rec.SourcePath, &rec.TargetPath); err != nil {
			return nil, err
		}
		rec.RunID = runID.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
