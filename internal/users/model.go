package users

// User stores one account. Accounts are never deleted; deactivation keeps the
// row so authorship references in entries stay resolvable.
type User struct {
	UserID            string  `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username          string  `gorm:"column:username;size:64;not null;uniqueIndex:idx_users_username"`
	Email             *string `gorm:"column:email;size:320;uniqueIndex:idx_users_email"`
	CredentialDigest  *string `gorm:"column:credential_digest;size:128"`
	RemoteIdentity    string  `gorm:"column:remote_identity;size:255;not null"`
	AvatarURL         string  `gorm:"column:avatar_url;size:512;not null;default:''"`
	IsAnonymous       bool    `gorm:"column:is_anonymous;not null;default:false"`
	IsDeactivated     bool    `gorm:"column:is_deactivated;not null;default:false"`
	CreatedAtSeconds  int64   `gorm:"column:created_at_s;not null"`
	LastSeenAtSeconds *int64  `gorm:"column:last_seen_at_s"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}
