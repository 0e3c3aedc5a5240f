package postgres

import (
	"errors"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// Migrate applies all pending schema migrations from cfg.MigrationPath.
// A database that is already current is not an error.
func Migrate(cfg config.DatabaseConfig, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	m, err := migrate.New("file://"+cfg.MigrationPath, DSN(cfg))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseError, "open migration source")
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			logger.Warn("migration cleanup", logging.Err(errors.Join(srcErr, dbErr)))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseError, "apply migrations")
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseError, "read migration version")
	}
	logger.Info("schema migrations applied",
		logging.Int("version", int(version)),
		logging.Bool("dirty", dirty))
	return nil
}
