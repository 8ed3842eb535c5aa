package workspace

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/northriverfence/orbit/pkg/localdb"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := localdb.OpenMemory()
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	store, err := NewStore(context.Background(), db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func sampleLayout() Pane {
	return Pane{
		ID:        "root",
		Direction: "horizontal",
		Children: []Pane{
			{ID: "left", Size: 0.5, SessionID: uuid.NewString()},
			{ID: "right", Size: 0.5, Direction: "vertical", Children: []Pane{
				{ID: "top", Size: 0.7},
				{ID: "bottom", Size: 0.3},
			}},
		},
	}
}

func TestCreateGetList(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	ws, err := store.Create(ctx, "dev", sampleLayout(), false, []string{"go", "daily"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Get(ctx, ws.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "dev" || !reflect.DeepEqual(got.Layout, ws.Layout) {
		t.Fatalf("got = %+v", got)
	}
	if !reflect.DeepEqual(got.Tags, []string{"go", "daily"}) {
		t.Fatalf("tags = %v", got.Tags)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("list returned %d workspaces", len(all))
	}
}

func TestGetMissing(t *testing.T) {
	store := setupStore(t)
	if _, err := store.Get(context.Background(), uuid.New()); err != ErrWorkspaceNotFound {
		t.Fatalf("err = %v, want ErrWorkspaceNotFound", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	original := sampleLayout()
	ws, err := store.Create(ctx, "dev", original, false, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	snapID, err := store.SaveSnapshot(ctx, ws.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	changed := Pane{ID: "solo"}
	if err := store.Update(ctx, ws.ID, "", changed); err != nil {
		t.Fatalf("update: %v", err)
	}
	mid, _ := store.Get(ctx, ws.ID)
	if !reflect.DeepEqual(mid.Layout, changed) {
		t.Fatalf("update did not take: %+v", mid.Layout)
	}

	if err := store.RestoreSnapshot(ctx, ws.ID, snapID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	restored, _ := store.Get(ctx, ws.ID)
	if !reflect.DeepEqual(restored.Layout, original) {
		t.Fatalf("restored layout differs:\n got %+v\nwant %+v", restored.Layout, original)
	}
}

func TestRestoreMissingSnapshot(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	ws, err := store.Create(ctx, "dev", sampleLayout(), false, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.RestoreSnapshot(ctx, ws.ID, 9999); err != ErrSnapshotNotFound {
		t.Fatalf("err = %v, want ErrSnapshotNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	ws, err := store.Create(ctx, "gone", sampleLayout(), false, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, ws.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, ws.ID); err != ErrWorkspaceNotFound {
		t.Fatalf("second delete: %v, want ErrWorkspaceNotFound", err)
	}
}

func TestLoadTemplateToleratesJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.json")
	template := `{
		// two-pane dev layout
		id: "root",
		direction: "horizontal",
		children: [
			{id: "editor", size: 0.7},
			{id: "shell", size: 0.3},
		],
	}`
	if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	layout, err := LoadTemplate(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if layout.ID != "root" || len(layout.Children) != 2 {
		t.Fatalf("layout = %+v", layout)
	}
}
