package migrations

import (
	"encoding/json"

	"github.com/clipforge/clipforge/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
// - 001: Schema creation using GORM AutoMigrate
// - 002: Move legacy job payloads out of the result column
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002PayloadColumn(),
	}
}

// migration001Schema creates all database tables using GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create all database tables",
		Up: func(tx *gorm.DB) error {
			// AutoMigrate all models in dependency order
			return tx.AutoMigrate(
				&models.Project{},
				&models.Segment{},
				&models.Job{},
			)
		},
		Down: func(tx *gorm.DB) error {
			tables := []string{
				"jobs",
				"segments",
				"projects",
			}
			for _, table := range tables {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// migration002PayloadColumn backfills the dedicated payload column for jobs
// written by older releases, which stashed the submitted payload inside the
// result column under a "payload" key. Runs once, before the dispatcher
// starts claiming.
func migration002PayloadColumn() Migration {
	return Migration{
		Version:     "002",
		Description: "Move legacy job payloads out of the result column",
		Up: func(tx *gorm.DB) error {
			type jobRow struct {
				ID         string
				ResultJSON string `gorm:"column:result_json"`
			}

			var rows []jobRow
			if err := tx.Table("jobs").
				Where("(payload_json IS NULL OR payload_json = '' OR payload_json = '{}') AND result_json LIKE ?", `%"payload"%`).
				Find(&rows).Error; err != nil {
				return err
			}

			for _, row := range rows {
				var result map[string]any
				if err := json.Unmarshal([]byte(row.ResultJSON), &result); err != nil {
					continue // unreadable result, leave the row alone
				}

				legacy, ok := result["payload"].(map[string]any)
				if !ok {
					continue
				}
				delete(result, "payload")

				payloadJSON, err := json.Marshal(legacy)
				if err != nil {
					continue
				}
				resultJSON, err := json.Marshal(result)
				if err != nil {
					continue
				}

				if err := tx.Table("jobs").
					Where("id = ?", row.ID).
					Updates(map[string]any{
						"payload_json": string(payloadJSON),
						"result_json":  string(resultJSON),
					}).Error; err != nil {
					return err
				}
			}

			return nil
		},
		Down: func(tx *gorm.DB) error {
			// No-op: the legacy layout is not restored
			return nil
		},
	}
}
