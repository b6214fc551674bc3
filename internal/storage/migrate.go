package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cuongbtq/jobpool/migrations"
)

// Migrate applies the embedded schema files in filename order. Statements are
// idempotent (CREATE ... IF NOT EXISTS), so running at every startup is safe.
func (s *Postgres) Migrate(ctx context.Context) error {
	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		s.logger.Info("Applied migration",
			slog.String("file", name),
		)
	}

	return nil
}
