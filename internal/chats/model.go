package chats

// Member records one user's membership in a chat collection. The admin flag
// marks who may manage the roster.
type Member struct {
	CollectionID    string `gorm:"column:collection_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_chat_members_user"`
	IsAdmin         bool   `gorm:"column:is_admin;not null;default:false"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName exposes the table backing chat membership.
func (Member) TableName() string {
	return "chat_members"
}
