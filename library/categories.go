package library

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrCategoryNotFound 表示目标分类不存在或不属于当前用户。
	ErrCategoryNotFound = errors.New("library: category not found")
	// ErrCategoryExists 表示同名分类已存在。
	ErrCategoryExists = errors.New("library: category already exists")
	// ErrCategoryReserved 表示名称与"未分类"哨兵冲突，不允许作为显式分类。
	ErrCategoryReserved = errors.New("library: category name is reserved")
)

// CategorySummary 聚合一个分类及其下的图片数量。
type CategorySummary struct {
	ID         uint64 `json:"id,omitempty"`
	Name       string `json:"name"`
	ImageCount int64  `json:"image_count"`
}

// CreateCategory 为用户新建一个空分类；同名分类已存在时返回 ErrCategoryExists。
func (s *Service) CreateCategory(ctx context.Context, userID uint64, name string) (*Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("library: category name is required")
	}
	if IsUncategorized(name) {
		return nil, ErrCategoryReserved
	}

	var existing Category
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND name = ?", userID, name).
		First(&existing).Error
	if err == nil {
		return nil, ErrCategoryExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("library: check category: %w", err)
	}

	record := Category{UserID: userID, Name: name}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("library: create category: %w", err)
	}
	return &record, nil
}

// RenameCategory 在单个事务中更新分类记录并改写其下全部图片的分类字段。
// 目标名已被占用时拒绝改名，避免两个分类静默合并。返回受影响的图片数。
func (s *Service) RenameCategory(ctx context.Context, userID, categoryID uint64, newName string) (*Category, int64, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, 0, errors.New("library: category name is required")
	}
	if IsUncategorized(newName) {
		return nil, 0, ErrCategoryReserved
	}

	var record Category
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, categoryID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrCategoryNotFound
		}
		return nil, 0, fmt.Errorf("library: load category: %w", err)
	}
	if record.Name == newName {
		return &record, 0, nil
	}

	var clash Category
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND name = ? AND id <> ?", userID, newName, record.ID).
		First(&clash).Error
	if err == nil {
		return nil, 0, ErrCategoryExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, fmt.Errorf("library: check category: %w", err)
	}

	oldName := record.Name
	var moved int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Category{}).
			Where("user_id = ? AND id = ?", userID, record.ID).
			Update("name", newName).Error; err != nil {
			return err
		}
		result := tx.Model(&Image{}).
			Where("user_id = ? AND category = ?", userID, oldName).
			Update("category", newName)
		if result.Error != nil {
			return result.Error
		}
		moved = result.RowsAffected
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("library: rename category: %w", err)
	}

	record.Name = newName
	return &record, moved, nil
}

// DeleteCategory 在单个事务中删除分类记录并将其下图片全部归入"未分类"。
// 图片记录本身与其对象存储资源保持不动。返回被重新归类的图片数。
func (s *Service) DeleteCategory(ctx context.Context, userID, categoryID uint64) (int64, error) {
	var record Category
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, categoryID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrCategoryNotFound
		}
		return 0, fmt.Errorf("library: load category: %w", err)
	}

	var moved int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Category{}, record.ID).Error; err != nil {
			return err
		}
		result := tx.Model(&Image{}).
			Where("user_id = ? AND category = ?", userID, record.Name).
			Update("category", Uncategorized)
		if result.Error != nil {
			return result.Error
		}
		moved = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("library: delete category: %w", err)
	}

	return moved, nil
}

// ListCategories 返回用户的全部分类及图片计数；存在无分类图片时额外附带
// 一个"未分类"条目。
func (s *Service) ListCategories(ctx context.Context, userID uint64) ([]CategorySummary, error) {
	var categories []Category
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("name ASC").
		Find(&categories).Error; err != nil {
		return nil, fmt.Errorf("library: list categories: %w", err)
	}

	type countRow struct {
		Category string
		Total    int64
	}
	var rows []countRow
	if err := s.db.WithContext(ctx).
		Model(&Image{}).
		Select("category AS category, COUNT(*) AS total").
		Where("user_id = ?", userID).
		Group("category").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("library: count images per category: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[NormalizeCategory(row.Category)] += row.Total
	}

	summaries := make([]CategorySummary, 0, len(categories)+1)
	for _, category := range categories {
		summaries = append(summaries, CategorySummary{
			ID:         category.ID,
			Name:       category.Name,
			ImageCount: counts[category.Name],
		})
	}
	if uncategorized := counts[Uncategorized]; uncategorized > 0 {
		summaries = append(summaries, CategorySummary{Name: Uncategorized, ImageCount: uncategorized})
	}
	return summaries, nil
}

// ensureCategory 保证分类记录存在；用于批量归类时用户即兴输入的新分类。
func (s *Service) ensureCategory(ctx context.Context, userID uint64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || IsUncategorized(name) {
		return nil
	}

	var existing Category
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND name = ?", userID, name).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("library: check category: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(&Category{UserID: userID, Name: name}).Error; err != nil {
		return fmt.Errorf("library: create category: %w", err)
	}
	return nil
}
