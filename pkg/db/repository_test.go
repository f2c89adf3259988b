package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "ruuf.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newRepo(t)

	j := &FlashJob{
		JobID:      "6f1c1c5e-0000-4000-8000-000000000001",
		DeviceID:   "sdb",
		DevicePath: "/dev/sdb",
		ImagePath:  "/isos/Win11_23H2.iso",
		Family:     "windows",
		State:      "validating",
	}
	if err := repo.Create(j); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if j.ID == 0 {
		t.Error("expected an id to be assigned")
	}

	got, err := repo.GetByJobID(j.JobID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got.DevicePath != j.DevicePath || got.ImagePath != j.ImagePath || got.State != "validating" || got.Scheme != "" {
		t.Errorf("retrieved job mismatch: got %+v", got)
	}

	missing, err := repo.GetByJobID("nope")
	if err != nil || missing != nil {
		t.Errorf("missing job: got %+v, %v", missing, err)
	}
}

func TestRepository_UpdateAndState(t *testing.T) {
	repo := newRepo(t)

	j := &FlashJob{JobID: "a", DeviceID: "sdb", DevicePath: "/dev/sdb", ImagePath: "/isos/x.iso", State: "validating"}
	repo.Create(j)

	if err := repo.UpdateState("a", "copying"); err != nil {
		t.Fatalf("failed to update state: %v", err)
	}
	got, _ := repo.GetByJobID("a")
	if got.State != "copying" {
		t.Errorf("state = %s, want copying", got.State)
	}

	j.State = "failed"
	j.ErrorKind = "cancelled"
	j.ErrorMessage = "cancelled by user"
	j.DeviceDestroyed = true
	j.BytesWritten = 1 << 30
	if err := repo.Update(j); err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	got, _ = repo.GetByJobID("a")
	if !got.DeviceDestroyed || got.ErrorKind != "cancelled" || got.BytesWritten != 1<<30 || !got.Terminal() {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := repo.Update(&FlashJob{JobID: "ghost", State: "done"}); err == nil {
		t.Error("updating a missing job should fail")
	}
}

func TestRepository_ListDeletePrune(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for _, tc := range []struct{ id, state string }{{"a", "done"}, {"b", "failed"}, {"c", "copying"}} {
		if err := repo.Create(&FlashJob{JobID: tc.id, DeviceID: "sdb", DevicePath: "/dev/sdb", ImagePath: "/x.iso", State: tc.state}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := repo.List(0)
	if err != nil || len(all) != 3 {
		t.Fatalf("list: %d jobs, %v", len(all), err)
	}
	if all[0].JobID != "c" {
		t.Errorf("newest first, got %s", all[0].JobID)
	}
	if limited, _ := repo.List(2); len(limited) != 2 {
		t.Errorf("limit ignored: %d", len(limited))
	}

	if err := repo.Delete("a"); err != nil {
		t.Fatal(err)
	}
	n, err := repo.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want only the remaining terminal job", n)
	}
	left, _ := repo.List(0)
	if len(left) != 1 || left[0].JobID != "c" {
		t.Errorf("active job must survive pruning: %+v", left)
	}
}
