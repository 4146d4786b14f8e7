package report

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started     TEXT NOT NULL,
	host_cpu    TEXT NOT NULL,
	config_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS epochs (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	epoch      INTEGER NOT NULL,
	seconds    REAL NOT NULL,
	train_loss REAL NOT NULL,
	train_acc  REAL NOT NULL,
	valid_loss REAL NOT NULL,
	valid_acc  REAL NOT NULL,
	saved      INTEGER NOT NULL,
	PRIMARY KEY (run_id, epoch)
);
CREATE TABLE IF NOT EXISTS tests (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	loss       REAL NOT NULL,
	acc        REAL NOT NULL,
	best_epoch INTEGER NOT NULL
);`

// SQLite records every run in a local database so runs can be compared.
type SQLite struct {
	RunID string
	db    *sql.DB
}

// HostCPU describes the machine the run executes on.
func HostCPU() string {
	feats := []string{}
	for _, f := range []struct {
		name string
		id   cpuid.FeatureID
	}{{"avx2", cpuid.AVX2}, {"avx512f", cpuid.AVX512F}, {"fma3", cpuid.FMA3}, {"asimd", cpuid.ASIMD}} {
		if cpuid.CPU.Supports(f.id) {
			feats = append(feats, f.name)
		}
	}
	return fmt.Sprintf("%s (%d logical cores; %s)", cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, strings.Join(feats, ","))
}

// OpenSQLite opens (creating if needed) the database at path and registers a
// new run with the given config.
func OpenSQLite(path string, config any) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init run db: %w", err)
	}
	cfg, err := json.Marshal(config)
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLite{RunID: uuid.New().String(), db: db}
	_, err = db.Exec(`INSERT INTO runs (id, started, host_cpu, config_json) VALUES (?, ?, ?, ?)`,
		s.RunID, time.Now().UTC().Format(time.RFC3339), HostCPU(), string(cfg))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	return s, nil
}

func (s *SQLite) Epoch(e EpochStats) error {
	saved := 0
	if e.Checkpoint {
		saved = 1
	}
	_, err := s.db.Exec(`INSERT INTO epochs
		(run_id, epoch, seconds, train_loss, train_acc, valid_loss, valid_acc, saved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, e.Epoch, e.Duration.Seconds(), e.TrainLoss, e.TrainAcc, e.ValidLoss, e.ValidAcc, saved)
	return err
}

func (s *SQLite) Final(t TestStats) error {
	_, err := s.db.Exec(`INSERT INTO tests (run_id, loss, acc, best_epoch) VALUES (?, ?, ?, ?)`,
		s.RunID, t.Loss, t.Acc, t.BestEpoch)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

// EpochRow is one stored epoch, as returned by History.
type EpochRow struct {
	Epoch     int
	ValidLoss float64
	Saved     bool
}

// History returns the epochs recorded for this run in order.
func (s *SQLite) History() ([]EpochRow, error) {
	rows, err := s.db.Query(`SELECT epoch, valid_loss, saved FROM epochs WHERE run_id = ? ORDER BY epoch`, s.RunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EpochRow
	for rows.Next() {
		var r EpochRow
		var saved int
		if err := rows.Scan(&r.Epoch, &r.ValidLoss, &saved); err != nil {
			return nil, err
		}
		r.Saved = saved == 1
		out = append(out, r)
	}
	return out, rows.Err()
}
