package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Migrate applies every pending schema migration in order.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		createBatchesTable(),
		createMessagesTable(),
		createDeliveryAttemptsTable(),
		addMessagesClaimedUntilColumn(),
	})

	return m.Migrate()
}
