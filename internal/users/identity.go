package users

import (
	"strings"
	"time"
)

// Identity is a storefront login known to the notification API. Notifications
// are addressed to UserID; several logins may share one UserID.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;index"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Identity) TableName() string {
	return "storefront_identities"
}

func identityKey(provider, subject string) string {
	return provider + ":" + subject
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
