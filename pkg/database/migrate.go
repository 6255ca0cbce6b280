package database

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ErrDirtySchema means an earlier migration failed half way and needs a manual fix.
var ErrDirtySchema = errors.New("schema is dirty")

// SchemaVersion is the migration state of the escrow schema.
type SchemaVersion struct {
	Version uint
	Dirty   bool
	// Applied is false when the schema was already current.
	Applied bool
}

// ResolveMigrationsDir finds dir relative to the working directory or its
// parent, so the binary runs from the repo root and from cmd/.
func ResolveMigrationsDir(dir string) (string, error) {
	candidates := []string{dir}
	if !filepath.IsAbs(dir) {
		if wd, err := os.Getwd(); err == nil {
			candidates = []string{filepath.Join(wd, dir), filepath.Join(wd, "..", dir)}
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return filepath.Abs(c)
		}
	}
	return "", fmt.Errorf("migrations directory %q not found", dir)
}

// Migrate brings the escrow schema at databaseURL up to date with the files in dir.
func Migrate(logger *slog.Logger, databaseURL, dir string) (SchemaVersion, error) {
	path, err := ResolveMigrationsDir(dir)
	if err != nil {
		return SchemaVersion{}, err
	}

	m, err := migrate.New("file://"+filepath.ToSlash(path), databaseURL)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("open migrations %s: %w", path, err)
	}
	defer m.Close()

	before, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		before = 0
	case err != nil:
		return SchemaVersion{}, fmt.Errorf("read schema version: %w", err)
	case dirty:
		return SchemaVersion{Version: before, Dirty: true}, fmt.Errorf("%w at version %d", ErrDirtySchema, before)
	}

	logger.Info("Running escrow schema migrations", "path", path, "from_version", before)
	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		version, dirty, _ := m.Version()
		return SchemaVersion{Version: version, Dirty: dirty}, fmt.Errorf("apply migrations: %w", err)
	}

	after, dirty, err := m.Version()
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("read schema version: %w", err)
	}
	state := SchemaVersion{Version: after, Dirty: dirty, Applied: after != before}
	logger.Info("Escrow schema ready", "version", state.Version, "applied", state.Applied)
	return state, nil
}
