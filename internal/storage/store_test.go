package storage

import (
	"context"
	"path/filepath"
	"testing"

	"cpvae/internal/model"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	for epoch := 0; epoch < 3; epoch++ {
		if err := store.SaveCheckpoint(ctx, sampleCheckpoint("run-a", epoch, model.TagLatest)); err != nil {
			t.Fatalf("save checkpoint %d: %v", epoch, err)
		}
	}
	if err := store.SaveCheckpoint(ctx, sampleCheckpoint("run-a", 1, model.TagBest)); err != nil {
		t.Fatalf("save best: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, sampleCheckpoint("run-b", 0, model.TagLatest)); err != nil {
		t.Fatalf("save other run: %v", err)
	}

	got, ok, err := store.GetCheckpoint(ctx, "run-a", 2, model.TagLatest)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if !ok || got.Epoch != 2 || got.Params[1].Data[2] != 0.3 {
		t.Fatalf("unexpected checkpoint: ok=%t %+v", ok, got)
	}
	if _, ok, err := store.GetCheckpoint(ctx, "run-a", 9, model.TagLatest); err != nil || ok {
		t.Fatalf("expected missing checkpoint, ok=%t err=%v", ok, err)
	}

	infos, err := store.ListCheckpoints(ctx, "run-a")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(infos) != 4 {
		t.Fatalf("expected 4 checkpoints, got %d", len(infos))
	}
	if infos[1].Epoch != 1 || infos[1].Tag != model.TagBest || infos[2].Tag != model.TagLatest {
		t.Fatalf("unexpected ordering: %+v", infos)
	}
	if infos[0].SizeBytes <= 0 {
		t.Fatalf("expected payload size, got %d", infos[0].SizeBytes)
	}

	if err := store.DeleteCheckpoint(ctx, "run-a", 0, model.TagLatest); err != nil {
		t.Fatalf("delete: %v", err)
	}
	infos, err = store.ListCheckpoints(ctx, "run-a")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(infos) != 3 || infos[0].Epoch != 1 {
		t.Fatalf("unexpected checkpoints after delete: %+v", infos)
	}

	run := model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunID:           "run-a",
		CreatedAtUTC:    "2026-01-01T00:00:00Z",
		Prior:           "tree",
		Status:          "running",
		Config:          []byte(`{"latent_dim":2}`),
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	run.Status = "stopped"
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}
	gotRun, ok, err := store.GetRun(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%t err=%v", ok, err)
	}
	if gotRun.Status != "stopped" || string(gotRun.Config) != `{"latent_dim":2}` {
		t.Fatalf("unexpected run: %+v", gotRun)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %d %v", len(runs), err)
	}

	scalars := []model.ScalarRecord{
		{Name: "train/loss", Step: 1, Value: 2},
		{Name: "test/loss", Step: 1, Value: 3},
		{Name: "train/loss", Step: 2, Value: 1},
	}
	if err := store.AppendScalars(ctx, "run-a", scalars); err != nil {
		t.Fatalf("append scalars: %v", err)
	}
	trainLoss, err := store.GetScalars(ctx, "run-a", "train/loss")
	if err != nil {
		t.Fatalf("get scalars: %v", err)
	}
	if len(trainLoss) != 2 || trainLoss[1].Step != 2 || trainLoss[1].Value != 1 {
		t.Fatalf("unexpected scalars: %+v", trainLoss)
	}
	all, err := store.GetScalars(ctx, "run-a", "")
	if err != nil || len(all) != 3 {
		t.Fatalf("all scalars: %d %v", len(all), err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewStore("sqlite", filepath.Join(t.TempDir(), "nested", "cpvae.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		if err := CloseIfSupported(store); err != nil {
			t.Fatalf("close: %v", err)
		}
	})
	exerciseStore(t, store)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cpvae.db")

	first := NewSQLiteStore(path)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := first.SaveCheckpoint(ctx, sampleCheckpoint("run-a", 4, model.TagBest)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewSQLiteStore(path)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	got, ok, err := second.GetCheckpoint(ctx, "run-a", 4, model.TagBest)
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%t err=%v", ok, err)
	}
	if got.Tree == nil || len(got.Tree.Nodes) != 3 {
		t.Fatalf("tree lost across reopen: %+v", got.Tree)
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"))
	if _, _, err := store.GetCheckpoint(context.Background(), "run", 0, model.TagLatest); err == nil {
		t.Fatal("expected not initialized error")
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	if _, err := NewStore("redis", ""); err == nil {
		t.Fatal("expected unsupported backend error")
	}
	if _, err := NewStore("sqlite", ""); err == nil {
		t.Fatal("expected missing path error")
	}
	store, err := NewStore("", "")
	if err != nil {
		t.Fatalf("default store: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}
