package database

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type migrationLogger struct {
	ectologger.Logger
}

func (l migrationLogger) Verbose() bool { return true }

func (l migrationLogger) Printf(format string, v ...any) { l.Infof(format, v...) }

// MigrationConfig controls how schema migrations under db/migrations are applied.
type MigrationConfig struct {
	MigrationFolderPath string
	Version             uint
	Force               int
	AutoRollback        bool
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{config: config, logger: logger}
}

func (ms *MigrationService) resolveMigrationFolder() string {
	folder := ms.config.MigrationFolderPath
	if _, err := os.Stat(folder); err == nil {
		return folder
	}
	wd, _ := os.Getwd()
	sep := "/"
	if wd == "/" {
		sep = ""
	}
	candidate := wd + sep + folder
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return folder
}

func (ms *MigrationService) Migrate(databaseName string, driver migratedb.Driver) error {
	folder := ms.resolveMigrationFolder()
	if _, err := os.Stat(folder); err != nil {
		return fmt.Errorf("migration folder %s does not exist: %w", folder, err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		ms.logger.WithError(err).Error("failed to create migrate instance")
		return err
	}
	m.Log = migrationLogger{Logger: ms.logger}

	return ms.runMigration(m)
}

func (ms *MigrationService) runMigration(m *migrate.Migrate) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			ms.logger.WithError(err).Errorf("failed to force database to version %d", ms.config.Force)
			return err
		}
	}

	version, _, versionErr := m.Version()
	if versionErr != nil {
		version = 0
	}

	start := time.Now()
	var migrationErr error
	if ms.config.Version != 0 {
		migrationErr = m.Migrate(ms.config.Version)
	} else {
		migrationErr = m.Up()
	}
	ms.logger.Infof("database migrations took %v", time.Since(start))

	return ms.handleMigrationError(m, migrationErr, version)
}

func (ms *MigrationService) handleMigrationError(m *migrate.Migrate, err error, previousVersion uint) error {
	if err == nil {
		ms.logger.Info("migrations applied successfully")
		return nil
	}
	if err == migrate.ErrNoChange {
		ms.logger.Info("no new migrations to apply")
		return nil
	}

	if strings.Contains(err.Error(), "no migration found for version") {
		latest, latestErr := latestMigrationVersion(ms.resolveMigrationFolder())
		if latestErr != nil {
			ms.logger.WithError(latestErr).Error("failed to determine latest migration version")
			return err
		}
		ms.logger.Warnf("no migration for version %d, forcing to latest %d", previousVersion, latest)
		return m.Force(latest)
	}

	ms.logger.WithError(err).Error("migration failed")

	version, dirty, versionErr := m.Version()
	if versionErr != nil && versionErr != migrate.ErrNilVersion {
		ms.logger.WithError(versionErr).Error("failed to read migration version after failure")
	} else if ms.config.AutoRollback && dirty {
		if previousVersion == 0 {
			previousVersion = version - 1
		}
		ms.logger.Warnf("database dirty at version %d, reverting to %d", version, previousVersion)
		if forceErr := m.Force(int(previousVersion)); forceErr != nil {
			ms.logger.WithError(forceErr).Errorf("failed to force database to version %d", previousVersion)
			return forceErr
		}
	}

	return err
}

func latestMigrationVersion(folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	re := regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)
	var versions []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if matches := re.FindStringSubmatch(entry.Name()); len(matches) > 1 {
			v, err := strconv.Atoi(matches[1])
			if err != nil {
				return 0, err
			}
			versions = append(versions, v)
		}
	}
	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files found in %s", folder)
	}
	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
