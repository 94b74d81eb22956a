package mysql_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql" // independent client used only to seed fixtures
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/mickamy/sqlnative/mysql"
	"github.com/mickamy/sqlnative/value"
)

const (
	testUser     = "root"
	testPassword = "test"
	testDB       = "test"
)

// startMySQL launches a MySQL container and returns its host and mapped
// port.
func startMySQL(t *testing.T) (string, int) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires Docker")
	}

	ctx := context.Background()
	ctr, err := tcmysql.Run(ctx, "mysql:8",
		tcmysql.WithDatabase(testDB),
		tcmysql.WithUsername(testUser),
		tcmysql.WithPassword(testPassword),
	)
	if err != nil {
		t.Skipf("start mysql container (is Docker running?): %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate mysql container: %v", err)
		}
	})

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "3306/tcp")
	if err != nil {
		t.Fatalf("get port: %v", err)
	}
	return host, port.Int()
}

// seed uses a second, independent client so engine bugs cannot mask
// themselves on both the write and the read path.
func seed(t *testing.T, host string, port int) {
	t.Helper()
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?multiStatements=true", testUser, testPassword, host, port, testDB)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("open seed connection: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE people (id INT PRIMARY KEY, name VARCHAR(100))`,
		`INSERT INTO people VALUES (1, 'O''Brien')`,
		`CREATE PROCEDURE two_selects() BEGIN SELECT 1 AS a; SELECT 2 AS b, 3 AS c; END`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seed %q: %v", s, err)
		}
	}
}

func connect(t *testing.T, host string, port int) *mysql.Conn {
	t.Helper()
	conn, err := mysql.Connect(context.Background(), mysql.Config{
		Host:           host,
		Port:           port,
		Database:       testDB,
		Username:       testUser,
		Password:       testPassword,
		ConnectTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestIntegrationQueryScenarios(t *testing.T) {
	host, port := startMySQL(t)
	seed(t, host, port)
	conn := connect(t, host, port)
	ctx := context.Background()

	t.Run("select literal", func(t *testing.T) {
		batch, err := conn.Query(ctx, "SELECT 1 AS x", nil)
		if err != nil {
			t.Fatal(err)
		}
		row := batch.Sets[0][0]
		if n, ok := row.GetByName("x").AsInt64(); !ok || n != 1 {
			t.Fatalf("x = %+v", row.Get(0))
		}
	})

	t.Run("text parameter round trip", func(t *testing.T) {
		batch, err := conn.Query(ctx, "SELECT ? AS s",
			[]value.SqlParameter{value.Param("", value.Text("O'Brien"))})
		if err != nil {
			t.Fatal(err)
		}
		if s, ok := batch.Sets[0][0].GetByName("s").AsText(); !ok || s != "O'Brien" {
			t.Fatalf("s = %+v", batch.Sets[0][0].Get(0))
		}
	})

	t.Run("seeded row with escaped quote", func(t *testing.T) {
		batch, err := conn.Query(ctx, "SELECT name FROM people WHERE id = ?",
			[]value.SqlParameter{value.Param("", value.Int32(1))})
		if err != nil {
			t.Fatal(err)
		}
		if s, ok := batch.Sets[0][0].Get(0).AsText(); !ok || s != "O'Brien" {
			t.Fatalf("name = %+v", batch.Sets[0][0].Get(0))
		}
	})

	t.Run("multi result via CALL", func(t *testing.T) {
		sets, err := conn.QueryMulti(ctx, "CALL two_selects()")
		if err != nil {
			t.Fatal(err)
		}
		if len(sets) < 2 {
			t.Fatalf("expected 2 result sets, got %d", len(sets))
		}
		if n, _ := sets[0][0].GetByName("a").AsInt64(); n != 1 {
			t.Fatalf("first set = %+v", sets[0])
		}
		if n, _ := sets[1][0].GetByName("c").AsInt64(); n != 3 {
			t.Fatalf("second set = %+v", sets[1])
		}
	})

	t.Run("transaction rollback", func(t *testing.T) {
		if err := conn.Begin(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Execute(ctx, "INSERT INTO people VALUES (2, 'temp')", nil); err != nil {
			t.Fatal(err)
		}
		if err := conn.Rollback(ctx); err != nil {
			t.Fatal(err)
		}
		batch, err := conn.Query(ctx, "SELECT COUNT(*) AS n FROM people", nil)
		if err != nil {
			t.Fatal(err)
		}
		if n, _ := batch.Sets[0][0].GetByName("n").AsInt64(); n != 1 {
			t.Fatalf("rollback did not undo insert, count = %d", n)
		}
	})

	t.Run("server error keeps connection usable", func(t *testing.T) {
		if _, err := conn.Query(ctx, "SELECT * FROM no_such_table", nil); err == nil {
			t.Fatal("expected server error")
		}
		if !conn.IsOpen() {
			t.Fatal("connection must stay open after a server error")
		}
		if _, err := conn.Query(ctx, "SELECT 1", nil); err != nil {
			t.Fatalf("subsequent query failed: %v", err)
		}
	})
}
