package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"gorm.io/gorm"
)

func addMessagesClaimedUntilColumn() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_messages_claimed_until",
		Migrate: func(tx *gorm.DB) error {
			// Databases created after the column joined the model already have it.
			if tx.Migrator().HasColumn(&repository.MessageModel{}, "ClaimedUntil") {
				return nil
			}
			return tx.Migrator().AddColumn(&repository.MessageModel{}, "ClaimedUntil")
		},
		Rollback: func(tx *gorm.DB) error {
			if !tx.Migrator().HasColumn(&repository.MessageModel{}, "ClaimedUntil") {
				return nil
			}
			return tx.Migrator().DropColumn(&repository.MessageModel{}, "ClaimedUntil")
		},
	}
}
