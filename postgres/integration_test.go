package postgres_test

import (
	"context"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mickamy/sqlnative/postgres"
	"github.com/mickamy/sqlnative/value"
)

const (
	testUser     = "app"
	testPassword = "test"
	testDB       = "test"
)

// startPostgres launches a PostgreSQL container (which defaults to
// scram-sha-256 password auth, exercising the SCRAM client) and returns
// its host and mapped port.
func startPostgres(t *testing.T) (string, int) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires Docker")
	}

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase(testDB),
		tcpostgres.WithUsername(testUser),
		tcpostgres.WithPassword(testPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("start postgres container (is Docker running?): %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("get port: %v", err)
	}
	return host, port.Int()
}

func connect(t *testing.T, host string, port int) *postgres.Conn {
	t.Helper()
	conn, err := postgres.Connect(context.Background(), postgres.Config{
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
	host, port := startPostgres(t)
	conn := connect(t, host, port)
	ctx := context.Background()

	t.Run("select literal", func(t *testing.T) {
		batch, err := conn.Query(ctx, "SELECT 1 AS x", nil)
		if err != nil {
			t.Fatal(err)
		}
		row := batch.Sets[0][0]
		if n, ok := row.GetByName("X").AsInt64(); !ok || n != 1 {
			t.Fatalf("x = %+v", row.Get(0))
		}
	})

	t.Run("text parameter round trip", func(t *testing.T) {
		batch, err := conn.Query(ctx, "SELECT $1 AS s",
			[]value.SqlParameter{value.Param("", value.Text("O'Brien"))})
		if err != nil {
			t.Fatal(err)
		}
		if s, ok := batch.Sets[0][0].GetByName("s").AsText(); !ok || s != "O'Brien" {
			t.Fatalf("s = %+v", batch.Sets[0][0].Get(0))
		}
	})

	t.Run("multi statement demultiplexing", func(t *testing.T) {
		sets, err := conn.QueryMulti(ctx, "SELECT 1; SELECT 2, 3")
		if err != nil {
			t.Fatal(err)
		}
		if len(sets) != 2 {
			t.Fatalf("expected 2 result sets, got %d", len(sets))
		}
		if len(sets[0][0].Values) != 1 || len(sets[1][0].Values) != 2 {
			t.Fatalf("set shapes = %d, %d", len(sets[0][0].Values), len(sets[1][0].Values))
		}
	})

	t.Run("transaction rollback", func(t *testing.T) {
		if _, err := conn.Execute(ctx, "CREATE TABLE people (id INT PRIMARY KEY, name TEXT)", nil); err != nil {
			t.Fatal(err)
		}
		if err := conn.Begin(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Execute(ctx, "INSERT INTO people VALUES (1, 'temp')", nil); err != nil {
			t.Fatal(err)
		}
		if err := conn.Rollback(ctx); err != nil {
			t.Fatal(err)
		}
		batch, err := conn.Query(ctx, "SELECT COUNT(*) AS n FROM people", nil)
		if err != nil {
			t.Fatal(err)
		}
		if n, _ := batch.Sets[0][0].GetByName("n").AsInt64(); n != 0 {
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
