package state

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/go-redis/redis/v8"

	"github.com/ryosukesatoh/news-distill/internal/news"
)

type fakeRedis struct {
	data   map[string]string
	setErr error
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisStoreRoundTrip(t *testing.T) {
	client := &fakeRedis{data: map[string]string{}}
	store := &RedisStore{client: client, key: redisKey("test")}
	ctx := context.Background()

	st, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load on missing key: %v", err)
	}
	assert.Equal(t, len(st.SeenIDs), 0)

	next := st.Advance(items("x", "y"), time.Unix(500, 0).UTC(), news.ModeFull)
	if err := store.Save(ctx, next); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := client.data["test:run_state"]; !ok {
		t.Fatalf("expected key test:run_state, have %v", client.data)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assert.Equal(t, got.SortedIDs(), []string{"x", "y"})
	assert.Equal(t, got.Mode, news.ModeFull)
}

func TestRedisStoreSaveError(t *testing.T) {
	store := &RedisStore{
		client: &fakeRedis{data: map[string]string{}, setErr: errors.New("READONLY")},
		key:    redisKey("test"),
	}
	err := store.Save(context.Background(), Empty())
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestSQLSaveStatementsPostgres(t *testing.T) {
	s := newSQLStore(nil, "postgres", "daily")
	st := Empty().Advance(items("b", "a"), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), news.ModeIncremental)

	stmts, err := s.saveStatements(st)
	if err != nil {
		t.Fatalf("saveStatements: %v", err)
	}
	assert.Equal(t, len(stmts), 4)
	assert.Equal(t, stmts[0].query, "DELETE FROM run_state WHERE name = $1")
	assert.Equal(t, stmts[1].query, "INSERT INTO run_state (name,last_success_at,mode) VALUES ($1,$2,$3)")
	assert.Equal(t, stmts[3].query, "INSERT INTO seen_ids (name,item_id) VALUES ($1,$2),($3,$4)")
	assert.Equal(t, stmts[3].args, []interface{}{"daily", "a", "daily", "b"})
}

func TestSQLSaveStatementsMySQLChunks(t *testing.T) {
	s := newSQLStore(nil, "mysql", "daily")
	many := make([]news.Item, insertChunk+1)
	for i := range many {
		many[i] = news.Item{ID: news.ItemID("src", "", strings.Repeat("t", i+1))}
	}
	st := Empty().Advance(many, time.Now(), news.ModeIncremental)

	stmts, err := s.saveStatements(st)
	if err != nil {
		t.Fatalf("saveStatements: %v", err)
	}
	// delete, insert state, delete ids, two id chunks
	assert.Equal(t, len(stmts), 5)
	assert.Equal(t, stmts[0].query, "DELETE FROM run_state WHERE name = ?")
	assert.Equal(t, len(stmts[4].args), 2)
}

func TestSQLSaveStatementsNoIDs(t *testing.T) {
	s := newSQLStore(nil, "mysql", "daily")
	stmts, err := s.saveStatements(Empty())
	if err != nil {
		t.Fatalf("saveStatements: %v", err)
	}
	assert.Equal(t, len(stmts), 3)
	assert.Equal(t, stmts[1].args[1], nil)
}

func TestDriverFor(t *testing.T) {
	driver, dsn, err := driverFor("mysql", "user:pass@tcp(localhost:3306)/news")
	if err != nil {
		t.Fatalf("driverFor: %v", err)
	}
	assert.Equal(t, driver, "mysql")
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("expected parseTime in dsn, got %q", dsn)
	}

	driver, dsn, err = driverFor("postgres", "postgres://localhost/news")
	if err != nil {
		t.Fatalf("driverFor: %v", err)
	}
	assert.Equal(t, driver, "postgres")
	assert.Equal(t, dsn, "postgres://localhost/news")

	if _, _, err := driverFor("sqlite", "x"); err == nil {
		t.Error("expected error for unsupported dialect")
	}
}
