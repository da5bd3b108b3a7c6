package library

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Uncategorized 是"无分类"的规范哨兵值；空串与缺省在读取时均归一到它。
const Uncategorized = "uncategorized"

// Image 表示图片库中的一条图片记录。
type Image struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	UserID      uint64         `gorm:"not null;index" json:"user_id"`
	Name        string         `gorm:"size:255;not null" json:"name"`
	Description *string        `gorm:"type:text" json:"description,omitempty"`
	Category    string         `gorm:"size:100;index" json:"category"`
	ImageURL    string         `gorm:"size:512;not null" json:"image_url"`
	StoragePath string         `gorm:"size:512;not null" json:"storage_path"`
	Tags        datatypes.JSON `gorm:"type:json" json:"tags,omitempty"`
	Source      string         `gorm:"size:16;not null;default:'upload'" json:"source"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName 指定 Image 模型对应的数据库表名。
func (Image) TableName() string {
	return "library_images"
}

// Category 表示用户自有的图片分类记录，名称在用户命名空间内唯一。
type Category struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	UserID    uint64    `gorm:"not null;index:idx_library_category_owner_name,unique" json:"user_id"`
	Name      string    `gorm:"size:100;not null;index:idx_library_category_owner_name,unique" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定 Category 模型对应的数据库表名。
func (Category) TableName() string {
	return "library_categories"
}

const (
	sourceUpload    = "upload"
	sourceGenerated = "generated"
)

// NormalizeCategory 将空串、空白以及任意大小写的哨兵值统一归一为 Uncategorized。
func NormalizeCategory(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Uncategorized
	}
	if strings.EqualFold(trimmed, Uncategorized) {
		return Uncategorized
	}
	return trimmed
}

// IsUncategorized 判断分类值是否等价于"无分类"。
func IsUncategorized(raw string) bool {
	return NormalizeCategory(raw) == Uncategorized
}
