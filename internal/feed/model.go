package feed

// Notification is a persisted notification shared by one or more recipients.
type Notification struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	Category        string `gorm:"column:category;size:32;not null;index:idx_notifications_category"`
	Title           string `gorm:"column:title;size:320;not null"`
	Message         string `gorm:"column:message;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_notifications_created"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Delivery records one recipient's view of a notification.
type Delivery struct {
	NotificationID string `gorm:"column:notification_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_deliveries_user_seen,priority:1"`
	Seen           bool   `gorm:"column:seen;not null;default:false;index:idx_deliveries_user_seen,priority:2"`
	ReadAtMillis   int64  `gorm:"column:read_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Delivery) TableName() string {
	return "notification_deliveries"
}
