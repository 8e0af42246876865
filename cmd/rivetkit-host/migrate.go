package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rivetkit-go/rivetkit/internal/sqlstore"
)

// newMigrateCmd is the standalone pre-flight check grounded on the
// teacher's cmd/initdb: open a throwaway database, run every registered
// definition's embedded-SQL migration against it, and exit non-zero on
// the first failure, before any container depending on this host starts.
func newMigrateCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run every registered actor's embedded-SQL migration against a throwaway database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the SQLite database file to migrate (default: a temp file)")
	return cmd
}

func runMigrate(dbPath string) error {
	if dbPath == "" {
		f, err := os.CreateTemp("", "rivetkit-migrate-*.db")
		if err != nil {
			return &configError{fmt.Errorf("create temp db: %w", err)}
		}
		dbPath = f.Name()
		f.Close()
		defer os.Remove(dbPath)
	}

	db, err := sqlstore.Open(dbPath)
	if err != nil {
		return &configError{fmt.Errorf("open %s: %w", dbPath, err)}
	}
	defer db.Close()

	defs, err := buildDefinitions()
	if err != nil {
		return &handlerErrorExit{err}
	}

	for name, def := range defs {
		if def.DB == nil || def.DB.OnMigrate == nil {
			continue
		}
		if err := def.DB.OnMigrate(db.Conn()); err != nil {
			return fmt.Errorf("migrate %q: %w", name, err)
		}
		fmt.Println("migrated:", name)
	}
	return nil
}
