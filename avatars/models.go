package avatars

import "time"

// Avatar 表示用户的一个头像记录，可由上传或 AI 生成产生。
type Avatar struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	UserID      uint64    `gorm:"not null;index" json:"user_id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Description *string   `gorm:"type:text" json:"description,omitempty"`
	Prompt      *string   `gorm:"type:text" json:"prompt,omitempty"`
	ImageURL    string    `gorm:"size:512;not null" json:"image_url"`
	StoragePath string    `gorm:"size:512;not null" json:"storage_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定 Avatar 模型对应的数据库表名。
func (Avatar) TableName() string {
	return "avatars"
}
