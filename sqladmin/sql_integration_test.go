package sqladmin

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/partition"
	"github.com/viant/sqlite-dedup/store/sqlstore"
)

func TestDedupAdmin(t *testing.T) {
	ctx := context.Background()
	mapper, err := partition.NewMapper("")
	if err != nil {
		t.Fatalf("NewMapper failed: %v", err)
	}
	db, err := sqlstore.OpenDB(filepath.Join(t.TempDir(), "dedup_admin.sqlite"))
	if err != nil {
		t.Fatalf("sqlstore.OpenDB failed: %v", err)
	}
	defer db.Close()
	if err := Register(db); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s, err := sqlstore.New(ctx, db, mapper, 64)
	if err != nil {
		t.Fatalf("sqlstore.New failed: %v", err)
	}
	defer s.Close()

	for key, n := range map[string]int{"-100123": 3, "-100456": 1} {
		p, err := s.EnsurePartition(ctx, key)
		if err != nil {
			t.Fatalf("EnsurePartition(%s) failed: %v", key, err)
		}
		for i := 0; i < n; i++ {
			if _, err := s.Insert(ctx, p, fingerprint.MustNew(64, uint64(i+1)), int64(i+1)); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}
	}

	// Create the admin table on a connection opened after Register so the module is visible.
	conn, err := db.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn failed: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `CREATE VIRTUAL TABLE dedup_admin USING dedup_admin(op)`); err != nil {
		t.Fatalf("CREATE VIRTUAL TABLE dedup_admin failed: %v", err)
	}
	_ = conn.Close()

	tctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	got := query(t, tctx, s, `*`)
	want := []string{"t_m100123:3", "t_m100456:1"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("MATCH '*' = %v, want %v", got, want)
	}
	got = query(t, tctx, s, `t_m100123`)
	if len(got) != 1 || got[0] != "records:3" {
		t.Fatalf("MATCH 't_m100123' = %v, want [records:3]", got)
	}
	if err := queryErr(tctx, s, `sqlite_master`); err == nil {
		t.Fatalf("expected error for unknown partition")
	}
}

func query(t *testing.T, ctx context.Context, s *sqlstore.Store, op string) []string {
	t.Helper()
	rows, err := s.DB().QueryContext(ctx, `SELECT op FROM dedup_admin WHERE op MATCH ?`, op)
	if err != nil {
		t.Fatalf("dedup_admin MATCH %q failed: %v", op, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			t.Fatalf("scan op: %v", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return out
}

func queryErr(ctx context.Context, s *sqlstore.Store, op string) error {
	rows, err := s.DB().QueryContext(ctx, `SELECT op FROM dedup_admin WHERE op MATCH ?`, op)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

func TestRegisterRejectsSingleConnectionPool(t *testing.T) {
	db, err := sqlstore.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("sqlstore.OpenDB failed: %v", err)
	}
	defer db.Close()
	if err := Register(db); !errors.Is(err, ErrSingleConnection) {
		t.Fatalf("Register(:memory:) err = %v, want ErrSingleConnection", err)
	}
}
