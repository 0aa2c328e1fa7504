package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/membank/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🗄️ membank Migrate")

		settings, err := loadSettings()
		if err != nil {
			fatal("Config error: %v", err)
		}

		if err := store.Migrate(settings.PgDSN, settings.MigrationsDir); err != nil {
			fatal("Migration error: %v", err)
		}
		fmt.Println(color.GreenString("Migrations applied."))
	},
}
