package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var scripts embed.FS

// revision is one embedded schema script, named NNN_description.sql.
type revision struct {
	number int
	name   string
	ddl    string
}

func revisions() ([]revision, error) {
	entries, err := fs.ReadDir(scripts, "sql")
	if err != nil {
		return nil, err
	}
	revs := make([]revision, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("schema script %s has no numeric prefix", name)
		}
		number, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("schema script %s: %w", name, err)
		}
		ddl, err := scripts.ReadFile("sql/" + name)
		if err != nil {
			return nil, err
		}
		revs = append(revs, revision{number: number, name: name, ddl: string(ddl)})
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].number < revs[j].number })
	return revs, nil
}

// Migrate brings the database up to the newest embedded revision. Pending
// revisions apply inside one transaction, so a failed upgrade leaves the
// previous schema intact. Running against an up-to-date database is a no-op.
func Migrate(db *sql.DB) error {
	revs, err := revisions()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	switch err := tx.QueryRow(`SELECT version FROM schema_version`).Scan(&current); {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, r := range revs {
		if r.number <= current {
			continue
		}
		if _, err := tx.Exec(r.ddl); err != nil {
			return fmt.Errorf("apply %s: %w", r.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, r.number); err != nil {
			return fmt.Errorf("record %s: %w", r.name, err)
		}
		current = r.number
	}
	return tx.Commit()
}
