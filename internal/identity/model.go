package identity

// UserProfile maps a user's opaque public id to the internal id space and
// caches the display name shown to chat counterparts. Rows are written by
// the account system; this service only reads them.
type UserProfile struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	PublicID    string `gorm:"column:public_id;size:190;not null;uniqueIndex"`
	DisplayName string `gorm:"column:display_name;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserProfile) TableName() string {
	return "user_profiles"
}

// LawyerProfile is the lawyer-side counterpart of UserProfile.
type LawyerProfile struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	PublicID    string `gorm:"column:public_id;size:190;not null;uniqueIndex"`
	DisplayName string `gorm:"column:display_name;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LawyerProfile) TableName() string {
	return "lawyer_profiles"
}
