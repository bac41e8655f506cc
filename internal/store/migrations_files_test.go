package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	for _, dialect := range []Dialect{DialectPostgres, DialectSQLite} {
		t.Run(string(dialect), func(t *testing.T) {
			migrationsDir := filepath.Join("..", "..", "db", "migrations", string(dialect))
			entries, err := os.ReadDir(migrationsDir)
			if err != nil {
				t.Fatalf("read migrations dir: %v", err)
			}

			pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
			byVersion := map[string]map[string]bool{}

			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				match := pattern.FindStringSubmatch(entry.Name())
				if match == nil {
					continue
				}
				version, direction := match[1], match[2]
				if byVersion[version] == nil {
					byVersion[version] = map[string]bool{}
				}
				if byVersion[version][direction] {
					t.Fatalf("duplicate %s migration file for version %s", direction, version)
				}
				byVersion[version][direction] = true
			}

			if len(byVersion) == 0 {
				t.Fatal("no migrations discovered")
			}

			for version, dirs := range byVersion {
				if !dirs["up"] || !dirs["down"] {
					t.Fatalf("version %s must include both up and down files", version)
				}
			}
		})
	}
}

func TestRebind(t *testing.T) {
	got := rebind(DialectPostgres, `SELECT 1 WHERE a = ? AND b = ?`)
	if got != `SELECT 1 WHERE a = $1 AND b = $2` {
		t.Fatalf("unexpected rebind: %s", got)
	}
	if rebind(DialectSQLite, `a = ?`) != `a = ?` {
		t.Fatal("sqlite queries must keep ? placeholders")
	}
}

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{"": DialectPostgres, "pgx": DialectPostgres, "SQLite": DialectSQLite}
	for in, want := range cases {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
