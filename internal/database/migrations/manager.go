// Package migrations applies versioned SQL files against a named pool
// through goose, layering a checksum-tracking table on top of goose's own
// version bookkeeping so a modified already-applied migration fails
// fatally rather than silently reapplying or being skipped.
package migrations

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vitaliisemenov/alert-history/internal/database/postgres"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// checksumTableSQL creates the tracking table this system adds on top of
// goose's own goose_db_version table.
const checksumTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migration_checksums (
	version    BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	checksum   TEXT NOT NULL
)`

var versionPattern = regexp.MustCompile(`^V(\d+)__`)

// Manager runs versioned migrations from an embedded filesystem against a
// PostgresPool, enforcing checksum stability on top of goose's dialect
// support.
type Manager struct {
	logger *slog.Logger
	fsys   fs.FS
	dir    string
}

// NewManager builds a migration runner over the embedded sql/ directory.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, fsys: embeddedMigrations, dir: "sql"}
}

// Run applies all pending migrations in numeric V<NNN> order, checking the
// checksum of every already-applied migration first.
func (m *Manager) Run(ctx context.Context, pool *postgres.PostgresPool) error {
	db := pool.Pool()
	if db == nil {
		return fmt.Errorf("migrations: pool %q is not connected", pool.GetConfig().Name)
	}

	if _, err := db.Exec(ctx, checksumTableSQL); err != nil {
		return fmt.Errorf("migrations: creating checksum table: %w", err)
	}

	files, err := m.migrationFiles()
	if err != nil {
		return err
	}

	if err := m.verifyChecksums(ctx, pool, files); err != nil {
		return err
	}

	goose.SetBaseFS(m.fsys)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: setting dialect: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(db)
	defer sqlDB.Close()

	start := time.Now()
	if err := goose.Up(sqlDB, m.dir); err != nil {
		return fmt.Errorf("migrations: applying migrations: %w", err)
	}
	m.logger.Info("migrations applied", "duration", time.Since(start))

	return m.recordChecksums(ctx, pool, files)
}

type migrationFile struct {
	version  int64
	filename string
	checksum string
}

func (m *Manager) migrationFiles() ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: reading %s: %w", m.dir, err)
	}

	var out []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		match := versionPattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migrations: parsing version from %s: %w", e.Name(), err)
		}

		content, err := fs.ReadFile(m.fsys, m.dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("migrations: reading %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(content)

		out = append(out, migrationFile{
			version:  version,
			filename: e.Name(),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// verifyChecksums fails fatally if a recorded migration's checksum no
// longer matches the file on disk.
func (m *Manager) verifyChecksums(ctx context.Context, pool *postgres.PostgresPool, files []migrationFile) error {
	rows, err := pool.Pool().Query(ctx, "SELECT version, checksum FROM schema_migration_checksums")
	if err != nil {
		return fmt.Errorf("migrations: reading recorded checksums: %w", err)
	}
	defer rows.Close()

	recorded := make(map[int64]string)
	for rows.Next() {
		var version int64
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return fmt.Errorf("migrations: scanning recorded checksum: %w", err)
		}
		recorded[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, f := range files {
		if want, ok := recorded[f.version]; ok && want != f.checksum {
			return fmt.Errorf("migrations: checksum mismatch for %s: recorded %s, file now %s", f.filename, want, f.checksum)
		}
	}

	return nil
}

func (m *Manager) recordChecksums(ctx context.Context, pool *postgres.PostgresPool, files []migrationFile) error {
	for _, f := range files {
		_, err := pool.Pool().Exec(ctx, `
			INSERT INTO schema_migration_checksums (version, checksum)
			VALUES ($1, $2)
			ON CONFLICT (version) DO NOTHING`,
			f.version, f.checksum)
		if err != nil {
			return fmt.Errorf("migrations: recording checksum for version %d: %w", f.version, err)
		}
	}
	return nil
}
