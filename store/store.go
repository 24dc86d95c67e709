// Package store keeps program images and a history of their runs in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/stackvm/pkg/bytecode"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("stackvm.store")

// stackDecMode lifts the default array cap so any recorded stack reads back.
var stackDecMode cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{MaxArrayElements: math.MaxInt32}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("store: failed to create CBOR dec mode: %v", err))
	}
	stackDecMode = dm
}

// ErrProgramNotFound indicates the requested program doesn't exist
var ErrProgramNotFound = errors.New("program not found")

// RunStatus is the outcome of a recorded run.
type RunStatus string

const (
	RunHalted    RunStatus = "halted"
	RunFaulted   RunStatus = "faulted"
	RunCancelled RunStatus = "cancelled"
)

// ProgramInfo describes a stored program without its image.
type ProgramInfo struct {
	Name         string
	Instructions int
	Constants    int
	MemorySize   int
	CreatedAt    time.Time
}

// Run is one recorded execution of a stored program.
type Run struct {
	ID        string
	Program   string
	Status    RunStatus
	Steps     uint64
	Stack     []float64 // final stack, bottom first
	Error     string
	CreatedAt time.Time
}

// Store handles SQLite storage for programs and runs
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS programs (
			name TEXT PRIMARY KEY,
			image BLOB NOT NULL,
			instructions INTEGER NOT NULL,
			constants INTEGER NOT NULL,
			memory_size INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			program TEXT NOT NULL,
			status TEXT NOT NULL,
			steps INTEGER NOT NULL,
			stack BLOB,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS runs_program ON runs(program, created_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	log.Debugf("opened store %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Put stores p under name, replacing any program with the same name.
// The image is stored in CBOR form.
func (s *Store) Put(name string, p *bytecode.Program) error {
	if name == "" {
		return errors.New("store: empty program name")
	}
	image, err := bytecode.MarshalCBOR(p)
	if err != nil {
		return fmt.Errorf("encoding program %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO programs (name, image, instructions, constants, memory_size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, image, len(p.Code), len(p.Constants), p.MemorySize, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving program %s: %w", name, err)
	}
	log.Infof("stored program %s (%d instructions)", name, len(p.Code))
	return nil
}

// Get loads the program stored under name.
func (s *Store) Get(name string) (*bytecode.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var image []byte
	err := s.db.QueryRow(`SELECT image FROM programs WHERE name = ?`, name).Scan(&image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading program %s: %w", name, err)
	}

	p, err := bytecode.UnmarshalCBOR(image)
	if err != nil {
		return nil, fmt.Errorf("decoding program %s: %w", name, err)
	}
	return p, nil
}

// List returns all stored programs ordered by name.
func (s *Store) List() ([]ProgramInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT name, instructions, constants, memory_size, created_at FROM programs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing programs: %w", err)
	}
	defer rows.Close()

	var infos []ProgramInfo
	for rows.Next() {
		var info ProgramInfo
		var created int64
		if err := rows.Scan(&info.Name, &info.Instructions, &info.Constants, &info.MemorySize, &created); err != nil {
			return nil, fmt.Errorf("scanning program: %w", err)
		}
		info.CreatedAt = time.Unix(0, created)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete removes a program and its run history.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("deleting program %s: %w", name, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM programs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting program %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE program = ?`, name); err != nil {
		return fmt.Errorf("deleting runs of %s: %w", name, err)
	}
	return tx.Commit()
}

// RecordRun stores the outcome of a run and returns it with its assigned id.
func (s *Store) RecordRun(program string, status RunStatus, steps uint64, stack []float64, runErr error) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Program:   program,
		Status:    status,
		Steps:     steps,
		Stack:     append([]float64(nil), stack...),
		CreatedAt: time.Now(),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}

	stackData, err := cbor.Marshal(run.Stack)
	if err != nil {
		return nil, fmt.Errorf("encoding stack: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO runs (id, program, status, steps, stack, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Program, string(run.Status), int64(run.Steps), stackData, run.Error, run.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("recording run of %s: %w", program, err)
	}
	return run, nil
}

// Runs returns the recorded runs of a program, oldest first.
func (s *Store) Runs(program string) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, program, status, steps, stack, error, created_at FROM runs
		 WHERE program = ? ORDER BY created_at, rowid`, program)
	if err != nil {
		return nil, fmt.Errorf("listing runs of %s: %w", program, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run       Run
			status    string
			steps     int64
			stackData []byte
			created   int64
		)
		if err := rows.Scan(&run.ID, &run.Program, &status, &steps, &stackData, &run.Error, &created); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if len(stackData) > 0 {
			if err := stackDecMode.Unmarshal(stackData, &run.Stack); err != nil {
				return nil, fmt.Errorf("decoding stack of run %s: %w", run.ID, err)
			}
		}
		run.Status = RunStatus(status)
		run.Steps = uint64(steps)
		run.CreatedAt = time.Unix(0, created)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
