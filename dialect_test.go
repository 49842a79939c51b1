package relic

import "testing"

func TestMySQLDSNSessionMode(t *testing.T) {
	got := mysqlDSN("user:pw@tcp(localhost:3306)/app?parseTime=true")
	want := "user:pw@tcp(localhost:3306)/app?parseTime=true&sql_mode=%27ANSI_QUOTES%27"
	if got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}

	got = mysqlDSN("user:pw@tcp(localhost:3306)/app")
	want = "user:pw@tcp(localhost:3306)/app?sql_mode=%27ANSI_QUOTES%27"
	if got != want {
		t.Errorf("bare dsn = %q, want %q", got, want)
	}
}
