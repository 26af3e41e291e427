package callstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}

	store := &PostgresStore{db: db}
	return db, mock, store
}

var recordColumns = []string{
	"call_id", "native_call_id", "direction", "caller_id_number", "called_number", "mode",
	"started_at", "ended_at", "duration_ms", "bytes_in", "bytes_out", "end_reason",
}

func TestPostgresStore_Save(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		rec       *Record
		setupMock func(sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "successful save",
			rec: &Record{
				CallID:         "out-1",
				NativeCallID:   "uuid-1",
				Direction:      "outbound",
				CallerIDNumber: "+15550001111",
				StartedAt:      now.Add(-time.Minute),
				EndedAt:        now,
				DurationMs:     60000,
				BytesIn:        960000,
				BytesOut:       480000,
				EndReason:      "hangup",
			},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO call_records").
					WithArgs(
						"out-1",
						sqlmock.AnyArg(), // native_call_id
						"outbound",
						sqlmock.AnyArg(), // caller_id_number
						sqlmock.AnyArg(), // called_number
						sqlmock.AnyArg(), // mode
						sqlmock.AnyArg(), // started_at
						sqlmock.AnyArg(), // ended_at
						int64(60000),
						int64(960000),
						int64(480000),
						"hangup",
					).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:      "nil record returns nil",
			rec:       nil,
			setupMock: func(mock sqlmock.Sqlmock) {},
		},
		{
			name: "database error",
			rec:  &Record{CallID: "c1", Direction: "inbound", EndReason: "hangup"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO call_records").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()

			tt.setupMock(mock)

			err := store.Save(context.Background(), tt.rec)
			if (err != nil) != tt.wantErr {
				t.Errorf("Save() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_Get(t *testing.T) {
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		rows := sqlmock.NewRows(recordColumns).
			AddRow("c1", "uuid-1", "inbound", "+15550001111", nil, nil,
				now.Add(-time.Minute), now, int64(60000), int64(10), int64(20), "hangup")
		mock.ExpectQuery("SELECT (.+) FROM call_records WHERE call_id").
			WithArgs("c1").
			WillReturnRows(rows)

		rec, err := store.Get(context.Background(), "c1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if rec.NativeCallID != "uuid-1" || rec.CalledNumber != "" || rec.BytesOut != 20 {
			t.Errorf("unexpected record: %+v", rec)
		}
	})

	t.Run("not found", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM call_records WHERE call_id").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := store.Get(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})
}

func TestPostgresStore_List(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(recordColumns).
		AddRow("c2", nil, "outbound", nil, "+15550002222", "sales", now, now, int64(0), int64(0), int64(0), "originate_error").
		AddRow("c1", "uuid-1", "inbound", "+15550001111", nil, nil, now, now, int64(5), int64(1), int64(2), "hangup")
	mock.ExpectQuery("SELECT (.+) FROM call_records ORDER BY ended_at DESC").
		WithArgs(10, 0).
		WillReturnRows(rows)

	recs, err := store.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("List() returned %d records, want 2", len(recs))
	}
	if recs[0].CallID != "c2" || recs[0].Mode != "sales" {
		t.Errorf("unexpected first record: %+v", recs[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_Prune(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM call_records WHERE ended_at").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Prune() = %d, want 3", n)
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS call_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
}

func TestNewPostgresStoreFromDSN_Empty(t *testing.T) {
	if _, err := NewPostgresStoreFromDSN("", nil, nil); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
