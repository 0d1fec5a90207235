package main

import (
	"fmt"

	"github.com/mossy-p/session-relay/internal/directory"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the session directory schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Directory.Driver != "sqlite" {
			return fmt.Errorf("directory driver %q has no schema", cfg.Directory.Driver)
		}

		dir, err := directory.OpenSQLite(cmd.Context(), cfg.Directory.Path)
		if err != nil {
			return err
		}
		defer dir.Close()

		log.Info().Str("module", "main").Str("path", cfg.Directory.Path).Msg("session directory migrated")
		return nil
	},
}
