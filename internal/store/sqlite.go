package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	farmagent "github.com/emufarm/FarmAgent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	accountsTable    = "accounts"
	taskConfigsTable = "task_configs"
	systemTable      = "system_config"
)

// SQLiteStore is the durable account/task-config backend. All mutations are
// field-scoped single-row transactions, so concurrent workers never clobber
// each other's reschedule writes.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open opens (and if needed creates) the database at path.
func Open(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create database dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite database %s", path)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// reschedule writes.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + accountsTable + ` (
			account_id TEXT PRIMARY KEY,
			status     TEXT NOT NULL DEFAULT 'active',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + taskConfigsTable + ` (
			account_id             TEXT NOT NULL,
			task_type              TEXT NOT NULL,
			schema_version         INTEGER NOT NULL,
			enabled                INTEGER NOT NULL DEFAULT 0,
			next_due_at            INTEGER NOT NULL DEFAULT 0,
			fail_delay_sec         INTEGER NOT NULL DEFAULT 0,
			counter                INTEGER NOT NULL DEFAULT 0,
			counter_threshold      INTEGER NOT NULL DEFAULT 0,
			reschedule_mode        TEXT NOT NULL DEFAULT 'offset',
			reschedule_offset_sec  INTEGER NOT NULL DEFAULT 0,
			reschedule_time_of_day TEXT NOT NULL DEFAULT '',
			reschedule_slots       TEXT NOT NULL DEFAULT '',
			params                 TEXT NOT NULL DEFAULT '{}',
			updated_at             INTEGER NOT NULL,
			PRIMARY KEY (account_id, task_type)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + systemTable + ` (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListAccountIDs returns all known account ids in stable order.
func (s *SQLiteStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id FROM `+accountsTable+` ORDER BY account_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan account id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadAccount reads one account and all of its task configs.
func (s *SQLiteStore) LoadAccount(ctx context.Context, accountID string) (*farmagent.AccountConfig, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM `+accountsTable+` WHERE account_id = ?`, accountID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("account %s not found", accountID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load account %s", accountID)
	}

	account := &farmagent.AccountConfig{
		ID:     accountID,
		Status: farmagent.AccountStatus(status),
		Tasks:  make(map[farmagent.TaskType]*farmagent.TaskConfig),
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_type, schema_version, enabled, next_due_at, fail_delay_sec,
		       counter, counter_threshold, reschedule_mode, reschedule_offset_sec,
		       reschedule_time_of_day, reschedule_slots, params
		FROM `+taskConfigsTable+` WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, errors.Wrapf(err, "load task configs for %s", accountID)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			taskType   string
			version    int
			enabled    int
			nextDue    int64
			failDelay  int64
			counter    int64
			threshold  int64
			mode       string
			offsetSec  int64
			timeOfDay  string
			slotsRaw   string
			paramsBlob string
		)
		if err := rows.Scan(&taskType, &version, &enabled, &nextDue, &failDelay,
			&counter, &threshold, &mode, &offsetSec, &timeOfDay, &slotsRaw, &paramsBlob); err != nil {
			return nil, errors.Wrap(err, "scan task config")
		}
		cfg := &farmagent.TaskConfig{
			SchemaVersion:    version,
			Enabled:          enabled != 0,
			FailDelay:        time.Duration(failDelay) * time.Second,
			Counter:          counter,
			CounterThreshold: threshold,
			Reschedule: farmagent.RescheduleRule{
				Mode:      farmagent.RescheduleMode(mode),
				Offset:    time.Duration(offsetSec) * time.Second,
				TimeOfDay: timeOfDay,
				Slots:     splitSlots(slotsRaw),
			},
		}
		if nextDue > 0 {
			cfg.NextDueAt = time.Unix(nextDue, 0)
		}
		if strings.TrimSpace(paramsBlob) != "" && paramsBlob != "{}" {
			if err := json.Unmarshal([]byte(paramsBlob), &cfg.Params); err != nil {
				log.Warn().Err(err).
					Str("account_id", accountID).
					Str("task_type", taskType).
					Msg("task params blob unreadable, ignoring")
			}
		}
		account.Tasks[farmagent.TaskType(taskType)] = cfg
	}
	return account, rows.Err()
}

// LoadSystemConfig reads fleet-wide tunables, falling back to engine
// defaults for unset keys.
func (s *SQLiteStore) LoadSystemConfig(ctx context.Context) (*farmagent.SystemConfig, error) {
	cfg := &farmagent.SystemConfig{
		ScanInterval:     30 * time.Second,
		SignatureTTL:     5 * time.Minute,
		StaleTimeout:     3 * time.Minute,
		MaxRescanRounds:  3,
		DefaultFailDelay: farmagent.DefaultFailDelay,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM `+systemTable)
	if err != nil {
		return nil, errors.Wrap(err, "load system config")
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.Wrap(err, "scan system config row")
		}
		switch key {
		case "scan_interval":
			if d, err := time.ParseDuration(value); err == nil {
				cfg.ScanInterval = d
			}
		case "signature_ttl":
			if d, err := time.ParseDuration(value); err == nil {
				cfg.SignatureTTL = d
			}
		case "stale_timeout":
			if d, err := time.ParseDuration(value); err == nil {
				cfg.StaleTimeout = d
			}
		case "max_rescan_rounds":
			if n, err := parseInt(value); err == nil && n > 0 {
				cfg.MaxRescanRounds = n
			}
		case "default_fail_delay":
			if d, err := time.ParseDuration(value); err == nil {
				cfg.DefaultFailDelay = d
			}
		}
	}
	return cfg, rows.Err()
}

// UpdateTaskSubconfig applies a field-scoped patch to one task config row
// inside a transaction.
func (s *SQLiteStore) UpdateTaskSubconfig(ctx context.Context, accountID string, taskType farmagent.TaskType, patch farmagent.TaskConfigPatch) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if patch.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*patch.Enabled))
	}
	if patch.NextDueAt != nil {
		sets = append(sets, "next_due_at = ?")
		args = append(args, patch.NextDueAt.Unix())
	}
	if patch.Counter != nil {
		sets = append(sets, "counter = ?")
		args = append(args, *patch.Counter)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix())
	args = append(args, accountID, string(taskType))

	query := `UPDATE ` + taskConfigsTable + ` SET ` + strings.Join(sets, ", ") +
		` WHERE account_id = ? AND task_type = ?`
	log.Trace().Str("sql", FormatSQLForLog(query, args...)).Msg("store update")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin task subconfig update")
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "update task %s/%s", accountID, taskType)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		_ = tx.Rollback()
		return errors.Errorf("task config %s/%s not found", accountID, taskType)
	}
	return errors.Wrap(tx.Commit(), "commit task subconfig update")
}

// SetAccountStatus persists the account lifecycle state.
func (s *SQLiteStore) SetAccountStatus(ctx context.Context, accountID string, status farmagent.AccountStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+accountsTable+` SET status = ?, updated_at = ? WHERE account_id = ?`,
		string(status), time.Now().Unix(), accountID)
	if err != nil {
		return errors.Wrapf(err, "set status of account %s", accountID)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errors.Errorf("account %s not found", accountID)
	}
	return nil
}

// UpsertAccount creates or refreshes an account row. Used by seeding tools
// and tests; the engine itself never creates accounts.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, accountID string, status farmagent.AccountStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+accountsTable+` (account_id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		accountID, string(status), time.Now().Unix())
	return errors.Wrapf(err, "upsert account %s", accountID)
}

// UpsertTaskConfig writes a full task config row.
func (s *SQLiteStore) UpsertTaskConfig(ctx context.Context, accountID string, taskType farmagent.TaskType, cfg *farmagent.TaskConfig) error {
	if cfg == nil {
		return errors.New("store: task config cannot be nil")
	}
	version := cfg.SchemaVersion
	if version == 0 {
		version = farmagent.TaskConfigSchemaVersion
	}
	paramsBlob := "{}"
	if len(cfg.Params) > 0 {
		data, err := json.Marshal(cfg.Params)
		if err != nil {
			return errors.Wrap(err, "marshal task params")
		}
		paramsBlob = string(data)
	}
	var nextDue int64
	if !cfg.NextDueAt.IsZero() {
		nextDue = cfg.NextDueAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+taskConfigsTable+` (
			account_id, task_type, schema_version, enabled, next_due_at,
			fail_delay_sec, counter, counter_threshold, reschedule_mode,
			reschedule_offset_sec, reschedule_time_of_day, reschedule_slots,
			params, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, task_type) DO UPDATE SET
			schema_version = excluded.schema_version,
			enabled = excluded.enabled,
			next_due_at = excluded.next_due_at,
			fail_delay_sec = excluded.fail_delay_sec,
			counter = excluded.counter,
			counter_threshold = excluded.counter_threshold,
			reschedule_mode = excluded.reschedule_mode,
			reschedule_offset_sec = excluded.reschedule_offset_sec,
			reschedule_time_of_day = excluded.reschedule_time_of_day,
			reschedule_slots = excluded.reschedule_slots,
			params = excluded.params,
			updated_at = excluded.updated_at`,
		accountID, string(taskType), version, boolToInt(cfg.Enabled), nextDue,
		int64(cfg.FailDelay/time.Second), cfg.Counter, cfg.CounterThreshold,
		string(cfg.Reschedule.Mode), int64(cfg.Reschedule.Offset/time.Second),
		cfg.Reschedule.TimeOfDay, strings.Join(cfg.Reschedule.Slots, ","),
		paramsBlob, time.Now().Unix())
	return errors.Wrapf(err, "upsert task config %s/%s", accountID, taskType)
}

func splitSlots(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
