package main

import (
	"gorm.io/gorm"

	"github.com/skystack/engine/internal/models"
)

func registerModels() []interface{} {
	return []interface{}{
		&models.Deployment{},
	}
}

func runMigrations(db *gorm.DB) error {
	// gen_random_uuid needs pgcrypto before the deployments table exists.
	if err := enableUUIDExtension(db); err != nil {
		return err
	}

	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}

	return runCustomMigrations(db)
}

func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addDeploymentListIndex,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

func enableUUIDExtension(db *gorm.DB) error {
	return db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error
}

// addDeploymentListIndex serves the status-filtered list endpoint, newest
// first.
func addDeploymentListIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deployments_status_created_at
		ON deployments(status, created_at DESC)
	`).Error
}
