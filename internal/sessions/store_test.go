package sessions

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/haasonsaas/conduit/pkg/models"
)

func persistedFixture() []models.PersistedSession {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return []models.PersistedSession{
		{
			Session: models.Session{
				ID:        "done",
				State:     models.SessionCompleted,
				StartedAt: started,
				EndedAt:   started.Add(time.Minute),
				Title:     "finished work",
				Result:    &models.ResultSummary{DurationMS: 60000},
			},
			Events: []models.Event{
				{Seq: 1, Kind: models.EventUser, User: &models.UserPayload{Text: "hi"}},
				{Seq: 2, Kind: models.EventText, Text: &models.TextPayload{Text: "hello"}},
			},
		},
		{
			Session: models.Session{
				ID:        "live",
				State:     models.SessionRunning,
				StartedAt: started.Add(time.Hour),
			},
		},
	}
}

func TestJSONFileStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONFileStore(filepath.Join(dir, "nested", "sessions.json"))
	ctx := context.Background()

	if err := store.Save(ctx, persistedFixture()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Session.ID != "done" {
		t.Fatalf("loaded = %+v, want only the completed session", loaded)
	}
	if len(loaded[0].Events) != 2 || loaded[0].Events[1].Text.Text != "hello" {
		t.Fatalf("events not restored: %+v", loaded[0].Events)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the document, found %d files", len(entries))
	}
}

func TestJSONFileStore_MissingDocument(t *testing.T) {
	store := NewJSONFileStore(filepath.Join(t.TempDir(), "absent.json"))
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("loaded = %+v, want empty", loaded)
	}
}

func TestJSONFileStore_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte(`{"version":99,"sessions":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewJSONFileStore(path).Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "version 99") {
		t.Fatalf("err = %v, want version error", err)
	}
}

func TestJSONFileStore_CorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJSONFileStore(path).Load(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSQLiteStore_SaveReplacesRows(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	if err := store.Save(ctx, persistedFixture()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Session.ID != "done" {
		t.Fatalf("loaded = %+v", loaded)
	}

	if err := store.Save(ctx, nil); err != nil {
		t.Fatalf("Save(nil): %v", err)
	}
	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("rows survived replacement: %+v", loaded)
	}
}

func setupMockDB(t *testing.T, dialect SQLDialect) (sqlmock.Sqlmock, *SQLStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return mock, NewSQLStoreWithDB(db, dialect)
}

func TestSQLStore_Save(t *testing.T) {
	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "successful save",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("DELETE FROM conduit_sessions").WillReturnResult(sqlmock.NewResult(0, 3))
				mock.ExpectExec(`INSERT INTO conduit_sessions \(id, state, started_at, ended_at, doc\) VALUES \(\$1, \$2, \$3, \$4, \$5\)`).
					WithArgs("done", "completed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec("INSERT INTO conduit_sessions").
					WithArgs("live", "running", sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "insert failure rolls back",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("DELETE FROM conduit_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec("INSERT INTO conduit_sessions").WillReturnError(errors.New("disk full"))
				mock.ExpectRollback()
			},
			wantErr:     true,
			errContains: "failed to insert session done",
		},
		{
			name: "begin failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "failed to begin transaction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := setupMockDB(t, DialectPostgres)
			tt.setupMock(mock)

			err := store.Save(context.Background(), persistedFixture())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Save() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("error %q does not contain %q", err, tt.errContains)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_LoadSkipsRunning(t *testing.T) {
	mock, store := setupMockDB(t, DialectSQLite)
	rows := sqlmock.NewRows([]string{"doc"}).
		AddRow(`{"session":{"id":"a","state":"completed","started_at":"2026-03-01T10:00:00Z","ended_at":"2026-03-01T10:01:00Z"}}`).
		AddRow(`{"session":{"id":"b","state":"running","started_at":"2026-03-01T09:00:00Z","ended_at":"0001-01-01T00:00:00Z"}}`)
	mock.ExpectQuery(`SELECT doc FROM conduit_sessions WHERE state <> \? ORDER BY started_at DESC`).
		WithArgs("running").
		WillReturnRows(rows)

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Session.ID != "a" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := NewSQLStoreWithDB(nil, DialectPostgres)
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres rebind = %q", got)
	}
	lite := NewSQLStoreWithDB(nil, DialectSQLite)
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Store_SaveLoad(t *testing.T) {
	client := &fakeS3{}
	store := newS3Store(client, "bucket", "/conduit/", nil)
	ctx := context.Background()

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load on empty bucket: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("loaded = %+v, want empty", loaded)
	}

	if err := store.Save(ctx, persistedFixture()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := client.objects["bucket/conduit/sessions.json"]; !ok {
		t.Fatalf("object not written under prefix: %v", client.objects)
	}
	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Session.ID != "done" {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestS3Store_LoadError(t *testing.T) {
	store := newS3Store(&fakeS3{getErr: errors.New("access denied")}, "bucket", "", nil)
	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenStore_Drivers(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenStore(ctx, StoreConfig{Driver: "json", Path: filepath.Join(dir, "s.json")}, nil)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if _, ok := store.(*JSONFileStore); !ok {
		t.Fatalf("json driver returned %T", store)
	}

	store, err = OpenStore(ctx, StoreConfig{Driver: "memory"}, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("memory driver returned %T", store)
	}

	store, err = OpenStore(ctx, StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "s.db")}, nil)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if s, ok := store.(*SQLStore); !ok {
		t.Fatalf("sqlite driver returned %T", store)
	} else {
		s.Close()
	}

	if _, err := OpenStore(ctx, StoreConfig{Driver: "postgres"}, nil); err == nil {
		t.Fatal("postgres without dsn should fail")
	}
	if _, err := OpenStore(ctx, StoreConfig{Driver: "s3"}, nil); err == nil {
		t.Fatal("s3 without bucket should fail")
	}
	if _, err := OpenStore(ctx, StoreConfig{Driver: "etcd"}, nil); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestMemoryStore_IsolatesCopies(t *testing.T) {
	store := NewMemoryStore()
	in := persistedFixture()
	if err := store.Save(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	in[0].Events[0].Seq = 100

	loaded, _ := store.Load(context.Background())
	if loaded[0].Events[0].Seq != 1 {
		t.Fatal("store shares event slices with caller")
	}
	if store.Saves() != 1 {
		t.Fatalf("saves = %d", store.Saves())
	}
}
