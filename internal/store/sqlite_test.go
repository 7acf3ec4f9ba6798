package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	farmagent "github.com/emufarm/FarmAgent"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "farmagent.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreAccountRoundtrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.UpsertAccount(ctx, "acct-1", farmagent.AccountActive); err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	nextDue := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	cfg := &farmagent.TaskConfig{
		Enabled:          true,
		NextDueAt:        nextDue,
		FailDelay:        10 * time.Minute,
		Counter:          2,
		CounterThreshold: 5,
		Reschedule: farmagent.RescheduleRule{
			Mode:  farmagent.RescheduleSlots,
			Slots: []string{"06:00", "18:00"},
		},
		Params: map[string]string{"rounds": "3"},
	}
	if err := st.UpsertTaskConfig(ctx, "acct-1", farmagent.TaskExplore, cfg); err != nil {
		t.Fatalf("upsert task config: %v", err)
	}

	ids, err := st.ListAccountIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "acct-1" {
		t.Fatalf("list accounts = %v, %v", ids, err)
	}

	account, err := st.LoadAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if account.Status != farmagent.AccountActive {
		t.Fatalf("status = %s, want active", account.Status)
	}
	got := account.Task(farmagent.TaskExplore)
	if got == nil {
		t.Fatal("task config missing after roundtrip")
	}
	if got.SchemaVersion != farmagent.TaskConfigSchemaVersion {
		t.Fatalf("schema version = %d, want %d", got.SchemaVersion, farmagent.TaskConfigSchemaVersion)
	}
	if !got.Enabled || !got.NextDueAt.Equal(nextDue) {
		t.Fatalf("enabled/next due = %v/%v", got.Enabled, got.NextDueAt)
	}
	if got.FailDelay != 10*time.Minute || got.Counter != 2 || got.CounterThreshold != 5 {
		t.Fatalf("scalar fields lost: %+v", got)
	}
	if got.Reschedule.Mode != farmagent.RescheduleSlots ||
		len(got.Reschedule.Slots) != 2 || got.Reschedule.Slots[1] != "18:00" {
		t.Fatalf("reschedule rule lost: %+v", got.Reschedule)
	}
	if got.Params["rounds"] != "3" {
		t.Fatalf("params lost: %v", got.Params)
	}
}

func TestStoreLoadAccountUnknown(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.LoadAccount(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestStoreUpdateTaskSubconfig(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if err := st.UpsertAccount(ctx, "acct-1", farmagent.AccountActive); err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	if err := st.UpsertTaskConfig(ctx, "acct-1", farmagent.TaskHarvest, &farmagent.TaskConfig{
		Enabled: true,
		Counter: 9,
	}); err != nil {
		t.Fatalf("upsert task config: %v", err)
	}

	next := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)
	zero := int64(0)
	err := st.UpdateTaskSubconfig(ctx, "acct-1", farmagent.TaskHarvest, farmagent.TaskConfigPatch{
		NextDueAt: &next,
		Counter:   &zero,
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}

	account, err := st.LoadAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	got := account.Task(farmagent.TaskHarvest)
	if !got.NextDueAt.Equal(next) || got.Counter != 0 {
		t.Fatalf("patched config = %+v", got)
	}
	// The untouched field keeps its value.
	if !got.Enabled {
		t.Fatal("patch clobbered enabled flag")
	}

	// Patching a missing row is an error, not a silent no-op.
	if err := st.UpdateTaskSubconfig(ctx, "acct-1", farmagent.TaskArena, farmagent.TaskConfigPatch{NextDueAt: &next}); err == nil {
		t.Fatal("expected error for unknown task row")
	}
	// An empty patch is a no-op.
	if err := st.UpdateTaskSubconfig(ctx, "acct-1", farmagent.TaskArena, farmagent.TaskConfigPatch{}); err != nil {
		t.Fatalf("empty patch: %v", err)
	}
}

func TestStoreSetAccountStatus(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if err := st.UpsertAccount(ctx, "acct-1", farmagent.AccountActive); err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	if err := st.SetAccountStatus(ctx, "acct-1", farmagent.AccountInvalid); err != nil {
		t.Fatalf("set status: %v", err)
	}
	account, err := st.LoadAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if account.Status != farmagent.AccountInvalid {
		t.Fatalf("status = %s, want invalid", account.Status)
	}
	if err := st.SetAccountStatus(ctx, "nope", farmagent.AccountInvalid); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestStoreSystemConfigDefaultsAndOverrides(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	cfg, err := st.LoadSystemConfig(ctx)
	if err != nil {
		t.Fatalf("load system config: %v", err)
	}
	if cfg.ScanInterval != 30*time.Second || cfg.StaleTimeout != 3*time.Minute || cfg.MaxRescanRounds != 3 {
		t.Fatalf("defaults = %+v", cfg)
	}

	for key, value := range map[string]string{
		"scan_interval":     "10s",
		"stale_timeout":     "90s",
		"max_rescan_rounds": "5",
		"bogus_key":         "ignored",
	} {
		if _, err := st.db.ExecContext(ctx,
			`INSERT INTO `+systemTable+` (key, value) VALUES (?, ?)`, key, value); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
	}
	cfg, err = st.LoadSystemConfig(ctx)
	if err != nil {
		t.Fatalf("reload system config: %v", err)
	}
	if cfg.ScanInterval != 10*time.Second || cfg.StaleTimeout != 90*time.Second || cfg.MaxRescanRounds != 5 {
		t.Fatalf("overrides = %+v", cfg)
	}
	if cfg.SignatureTTL != 5*time.Minute {
		t.Fatalf("untouched default = %v, want 5m", cfg.SignatureTTL)
	}
}
