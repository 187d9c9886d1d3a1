package assistant

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"dataassistant/internal/config"
	"dataassistant/internal/models"
	"dataassistant/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "sessions.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(db)
}

func strPtr(s string) *string { return &s }

func TestSessionLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, "  ")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if s.Title != models.DefaultSessionTitle || s.ID == "" {
		t.Fatalf("unexpected session: %+v", s)
	}

	got, err := svc.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != s.ID || got.Title != s.Title {
		t.Fatalf("get session mismatch: %+v", got)
	}

	renamed, err := svc.UpdateSessionTitle(ctx, s.ID, "销售分析")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Title != "销售分析" {
		t.Fatalf("title not updated: %q", renamed.Title)
	}
	if _, err := svc.UpdateSessionTitle(ctx, s.ID, ""); err == nil {
		t.Fatalf("expected empty title error")
	}

	if err := svc.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetSession(ctx, s.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows after delete, got %v", err)
	}
}

func TestMissingSessionIsNotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GetSession(ctx, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("get: expected ErrNoRows, got %v", err)
	}
	if _, err := svc.UpdateSessionTitle(ctx, "nope", "x"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("rename: expected ErrNoRows, got %v", err)
	}
	if err := svc.DeleteSession(ctx, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("delete: expected ErrNoRows, got %v", err)
	}
	_, err := svc.AddMessage(ctx, models.Message{SessionID: "nope", Role: models.RoleUser, Content: "hi"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("add message: expected ErrNoRows, got %v", err)
	}
}

func TestListSessionsOrdersByActivity(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, _ := svc.CreateSession(ctx, "first")
	second, _ := svc.CreateSession(ctx, "second")
	if _, err := svc.AddMessage(ctx, models.Message{SessionID: first.ID, Role: models.RoleUser, Content: "bump"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	sessions, err := svc.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != first.ID || sessions[1].ID != second.ID {
		t.Fatalf("unexpected order: %+v", sessions)
	}

	limited, err := svc.ListSessions(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit not applied: %v %d", err, len(limited))
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	s, _ := svc.CreateSession(ctx, "")

	if _, err := svc.AddMessage(ctx, models.Message{SessionID: s.ID, Role: models.RoleUser, Content: "各地区销售额"}); err != nil {
		t.Fatalf("add user message: %v", err)
	}
	stored, err := svc.AddMessage(ctx, models.Message{
		SessionID: s.ID,
		Role:      models.RoleAssistant,
		Content:   "华东最高",
		SQL:       strPtr("SELECT region, SUM(amount) AS total FROM sales GROUP BY region"),
		Data:      []map[string]any{{"region": "华东", "total": float64(215)}},
		Chart:     map[string]any{"type": "bar", "title": "销售额"},
	})
	if err != nil {
		t.Fatalf("add assistant message: %v", err)
	}

	msgs, err := svc.GetMessages(ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].SQL != nil || msgs[0].Data != nil || msgs[0].Chart != nil {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	reply := msgs[1]
	if reply.ID != stored.ID || reply.SQL == nil || *reply.SQL != *stored.SQL {
		t.Fatalf("unexpected assistant message: %+v", reply)
	}
	if len(reply.Data) != 1 || reply.Data[0]["region"] != "华东" || reply.Data[0]["total"] != float64(215) {
		t.Fatalf("data not restored: %+v", reply.Data)
	}
	if reply.Chart["type"] != "bar" {
		t.Fatalf("chart not restored: %+v", reply.Chart)
	}

	one, err := svc.GetMessage(ctx, s.ID, stored.ID)
	if err != nil || one.Content != "华东最高" {
		t.Fatalf("get message: %v %+v", err, one)
	}
	if _, err := svc.GetMessage(ctx, s.ID, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}

	if err := svc.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	left, err := svc.GetMessages(ctx, s.ID, 0)
	if err != nil || len(left) != 0 {
		t.Fatalf("messages survived delete: %v %d", err, len(left))
	}
}

func TestMessageHistoryKeepsMostRecent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	s, _ := svc.CreateSession(ctx, "")

	for _, content := range []string{"q1", "a1", "q2", "a2", "q3"} {
		role := models.RoleUser
		if content[0] == 'a' {
			role = models.RoleAssistant
		}
		if _, err := svc.AddMessage(ctx, models.Message{SessionID: s.ID, Role: role, Content: content}); err != nil {
			t.Fatalf("add %s: %v", content, err)
		}
	}

	history, err := svc.MessageHistory(ctx, s.ID, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var got []string
	for _, m := range history {
		got = append(got, m.Content)
	}
	want := []string{"q2", "a2", "q3"}
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history = %v, want %v", got, want)
		}
	}

	empty, err := svc.MessageHistory(ctx, s.ID, 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("zero limit should return nothing: %v %d", err, len(empty))
	}
}

func TestAddMessageRejectsUnknownRole(t *testing.T) {
	svc := newTestService(t)
	s, _ := svc.CreateSession(context.Background(), "")
	if _, err := svc.AddMessage(context.Background(), models.Message{SessionID: s.ID, Role: "tool", Content: "x"}); err == nil {
		t.Fatalf("expected role error")
	}
}

func TestStorageFailureIsPersistenceError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO sessions").WillReturnError(errors.New("disk full"))
	mock.ExpectQuery("SELECT id, title, created_at, updated_at FROM sessions WHERE id").
		WillReturnError(sql.ErrNoRows)

	svc := NewService(db)
	_, err = svc.CreateSession(context.Background(), "x")
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Op != "create session" {
		t.Fatalf("expected PersistenceError, got %v", err)
	}

	_, err = svc.GetSession(context.Background(), "gone")
	if errors.As(err, &perr) || !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("not found should stay bare, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
