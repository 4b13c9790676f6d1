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
	"github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// migrationLogger adapts ectologger to migrate's logging interface
type migrationLogger struct {
	ectologger.Logger
}

func (l migrationLogger) Verbose() bool { return true }

func (l migrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

// MigrationConfig controls how schema migrations run at startup
type MigrationConfig struct {
	MigrationFolderPath string
	Version             uint // migrate to this version instead of latest when non-zero
	Force               int  // force the schema version before migrating when non-zero
	AutoRollback        bool // revert a dirty schema to the previous version on failure
}

// MigrationService applies the db/pg migration files against the schema
type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// resolveMigrationFolder tries the configured path as-is, then relative to
// the working directory. Lets the same config work in the container (absolute
// path) and in local runs from the repo root.
func (s *MigrationService) resolveMigrationFolder() string {
	folder := s.config.MigrationFolderPath
	if _, err := os.Stat(folder); err == nil {
		return folder
	}
	wd, _ := os.Getwd()
	if wd != "/" {
		wd += "/"
	}
	return wd + folder
}

// Migrate brings the schema to the configured version
func (s *MigrationService) Migrate(databaseName string, driver database.Driver) error {
	folder := s.resolveMigrationFolder()
	if _, err := os.Stat(folder); err != nil {
		return errors.Wrap(err, fmt.Sprintf("migration folder %s does not exist", folder))
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create migrate instance")
		return err
	}
	m.Log = migrationLogger{Logger: s.logger}

	return s.run(m)
}

func (s *MigrationService) run(m *migrate.Migrate) error {
	if s.config.Force != 0 {
		if err := m.Force(s.config.Force); err != nil {
			s.logger.WithError(err).Errorf("Failed to force schema to version %d", s.config.Force)
			return err
		}
	}

	version, _, versionErr := m.Version()
	if versionErr != nil {
		version = 0
	}

	done := make(chan bool)
	go s.logProgress(done)
	start := time.Now()

	var migrationErr error
	if s.config.Version != 0 {
		migrationErr = m.Migrate(s.config.Version)
	} else {
		migrationErr = m.Up()
	}

	done <- true
	s.logger.Infof("Schema migrations completed in %v", time.Since(start))

	return s.handleError(m, migrationErr, version)
}

// logProgress keeps the startup log alive while a long migration runs
func (s *MigrationService) logProgress(done chan bool) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	dots := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			dots = (dots + 1) % 4
			s.logger.Debugf("Applying schema migrations%s", strings.Repeat(".", dots))
		}
	}
}

func (s *MigrationService) handleError(m *migrate.Migrate, err error, previousVersion uint) error {
	if err == nil {
		s.logger.Info("Successfully applied migrations")
		return nil
	}
	if err == migrate.ErrNoChange {
		s.logger.Info("No new migrations to apply")
		return nil
	}

	// The recorded schema version can outrun the migration files after a
	// deploy rollback. Force it down to the newest file we actually have.
	if strings.Contains(err.Error(), "no migration found for version") {
		latest, latestErr := latestFileVersion(s.resolveMigrationFolder())
		if latestErr != nil {
			s.logger.WithError(latestErr).Error("Failed to determine latest migration version")
			return err
		}
		s.logger.Warnf("Schema version %d has no migration file; forcing to %d", previousVersion, latest)
		if forceErr := m.Force(latest); forceErr != nil {
			s.logger.WithError(forceErr).Errorf("Failed to force schema to version %d", latest)
			return forceErr
		}
		return nil
	}

	s.logger.WithError(err).Errorf("Migration failed: %v", err)

	version, dirty, versionErr := m.Version()
	if versionErr != nil && versionErr != migrate.ErrNilVersion {
		s.logger.WithError(versionErr).Error("Failed to read schema version after migration failure")
		return err
	}

	if s.config.AutoRollback && dirty {
		if previousVersion == 0 {
			previousVersion = version - 1
		}
		s.logger.Warnf("Schema is dirty at version %d; reverting to version %d", version, previousVersion)
		if forceErr := m.Force(int(previousVersion)); forceErr != nil {
			s.logger.WithError(forceErr).Errorf("Failed to revert schema to version %d", previousVersion)
			return forceErr
		}
		// The revert cleaned up, but startup still fails on the original error.
		return err
	}

	s.logger.WithError(err).Errorf("Failed to apply migrations; schema dirty=%t at version %d", dirty, version)
	return err
}

var migrationFileRe = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

// latestFileVersion returns the highest version among the .up.sql files in
// the migration folder
func latestFileVersion(folderPath string) (int, error) {
	files, err := os.ReadDir(folderPath)
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		matches := migrationFileRe.FindStringSubmatch(file.Name())
		if len(matches) > 1 {
			version, err := strconv.Atoi(matches[1])
			if err != nil {
				return 0, err
			}
			versions = append(versions, version)
		}
	}

	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files found")
	}
	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
