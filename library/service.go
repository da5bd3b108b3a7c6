package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"avatarium_back/storage"
)

// ErrImageNotFound 表示目标图片不存在或不属于当前用户。
var ErrImageNotFound = errors.New("library: image not found")

// AssetStore 抽象图片二进制的对象存储操作。
type AssetStore interface {
	Upload(ctx context.Context, data []byte, contentType string, progress storage.ProgressFunc, pathSegments ...string) (string, string, error)
	UploadDataURI(ctx context.Context, dataURI string, progress storage.ProgressFunc, pathSegments ...string) (string, string, error)
	Fetch(ctx context.Context, objectPath string) ([]byte, error)
	TryRemove(ctx context.Context, objectPath string) storage.RemoveStatus
}

// Service 封装图片库的读写与对象存储协同逻辑。
type Service struct {
	db     *gorm.DB
	assets AssetStore
}

// NewService 创建图片库服务实例。
func NewService(db *gorm.DB, assets AssetStore) (*Service, error) {
	if db == nil {
		return nil, errors.New("library: database handle is required")
	}
	return &Service{db: db, assets: assets}, nil
}

// ImageInput 描述创建或更新图片时允许调整的字段。
type ImageInput struct {
	Name        string
	Description *string
	Category    string
	Tags        []string
	Data        []byte
	ContentType string
	Progress    storage.ProgressFunc
}

// CreateImage 先上传资源再写入记录；记录写入失败时回收已上传对象，避免孤儿资源。
func (s *Service) CreateImage(ctx context.Context, userID uint64, input ImageInput) (*Image, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errors.New("library: image name is required")
	}
	if len(input.Data) == 0 {
		return nil, errors.New("library: image data is required")
	}
	if s.assets == nil {
		return nil, errors.New("library: object storage is not configured")
	}

	imageURL, objectPath, err := s.assets.Upload(ctx, input.Data, input.ContentType, input.Progress, "users", fmt.Sprintf("%d", userID), "library")
	if err != nil {
		return nil, err
	}

	record := Image{
		UserID:      userID,
		Name:        name,
		Description: normalizeStringPointer(input.Description),
		Category:    NormalizeCategory(input.Category),
		ImageURL:    imageURL,
		StoragePath: objectPath,
		Tags:        marshalTags(input.Tags),
		Source:      sourceUpload,
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if status := s.assets.TryRemove(ctx, objectPath); status == storage.RemoveFailed {
			log.Printf("library: cleanup of orphan object %s failed", objectPath)
		}
		return nil, fmt.Errorf("library: create image: %w", err)
	}

	return &record, nil
}

// UpdateImage 更新图片元数据，可选地替换底层资源；旧对象在记录更新成功后尽力删除。
func (s *Service) UpdateImage(ctx context.Context, userID, imageID uint64, input ImageInput) (*Image, error) {
	record, err := s.GetImage(ctx, userID, imageID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errors.New("library: image name is required")
	}

	oldPath := record.StoragePath
	replaced := false
	if len(input.Data) > 0 {
		if s.assets == nil {
			return nil, errors.New("library: object storage is not configured")
		}
		imageURL, objectPath, err := s.assets.Upload(ctx, input.Data, input.ContentType, input.Progress, "users", fmt.Sprintf("%d", userID), "library")
		if err != nil {
			return nil, err
		}
		record.ImageURL = imageURL
		record.StoragePath = objectPath
		replaced = true
	}

	record.Name = name
	record.Description = normalizeStringPointer(input.Description)
	record.Category = NormalizeCategory(input.Category)
	if input.Tags != nil {
		record.Tags = marshalTags(input.Tags)
	}

	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		if replaced {
			if status := s.assets.TryRemove(ctx, record.StoragePath); status == storage.RemoveFailed {
				log.Printf("library: cleanup of orphan object %s failed", record.StoragePath)
			}
		}
		return nil, fmt.Errorf("library: update image: %w", err)
	}

	if replaced && oldPath != "" && s.assets != nil {
		if status := s.assets.TryRemove(ctx, oldPath); status == storage.RemoveFailed {
			log.Printf("library: remove replaced object %s failed", oldPath)
		}
	}

	return record, nil
}

// DeleteImage 先删除记录再尽力删除对象，保证库中不会留下指向已删资源的记录。
func (s *Service) DeleteImage(ctx context.Context, userID, imageID uint64) error {
	record, err := s.GetImage(ctx, userID, imageID)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Delete(&Image{}, record.ID).Error; err != nil {
		return fmt.Errorf("library: delete image: %w", err)
	}

	if s.assets != nil && record.StoragePath != "" {
		if status := s.assets.TryRemove(ctx, record.StoragePath); status == storage.RemoveFailed {
			log.Printf("library: remove object %s failed after record delete", record.StoragePath)
		}
	}
	return nil
}

// BulkDeleteImages 在单个事务中删除多条记录，随后逐个尽力删除对象。
// 返回实际删除的记录数；任意记录删除失败时整批回滚且不触碰对象存储。
func (s *Service) BulkDeleteImages(ctx context.Context, userID uint64, imageIDs []uint64) (int, error) {
	if len(imageIDs) == 0 {
		return 0, nil
	}

	var victims []Image
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", userID, imageIDs).
		Find(&victims).Error; err != nil {
		return 0, fmt.Errorf("library: load images for bulk delete: %w", err)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	ids := make([]uint64, 0, len(victims))
	for _, victim := range victims {
		ids = append(ids, victim.ID)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ? AND id IN ?", userID, ids).Delete(&Image{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != int64(len(ids)) {
			return fmt.Errorf("library: expected to delete %d images, removed %d", len(ids), result.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("library: bulk delete images: %w", err)
	}

	if s.assets != nil {
		for _, victim := range victims {
			if victim.StoragePath == "" {
				continue
			}
			if status := s.assets.TryRemove(ctx, victim.StoragePath); status == storage.RemoveFailed {
				log.Printf("library: remove object %s failed after bulk delete", victim.StoragePath)
			}
		}
	}

	return len(victims), nil
}

// GetImage 按主键加载当前用户的一条图片记录。
func (s *Service) GetImage(ctx context.Context, userID, imageID uint64) (*Image, error) {
	var record Image
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, imageID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("library: load image: %w", err)
	}
	return &record, nil
}

// ListImages 返回用户的图片，category 为空串时不过滤；过滤"uncategorized"时
// 同时匹配空值记录。结果按创建时间倒序。
func (s *Service) ListImages(ctx context.Context, userID uint64, category string) ([]Image, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)

	filter := strings.TrimSpace(category)
	if filter != "" {
		if IsUncategorized(filter) {
			query = query.Where("category = ? OR category = '' OR category IS NULL", Uncategorized)
		} else {
			query = query.Where("category = ?", filter)
		}
	}

	var records []Image
	if err := query.Order("created_at DESC, id DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("library: list images: %w", err)
	}
	for i := range records {
		records[i].Category = NormalizeCategory(records[i].Category)
	}
	return records, nil
}

// CreateGeneratedCopy 将一张 AI 生成的图片以数据 URI 形式落库，作为图片库中的
// 独立副本。副本默认进入"未分类"，由用户后续整理。
func (s *Service) CreateGeneratedCopy(ctx context.Context, userID uint64, name, description, dataURI string) (*Image, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("library: image name is required")
	}
	if s.assets == nil {
		return nil, errors.New("library: object storage is not configured")
	}

	imageURL, objectPath, err := s.assets.UploadDataURI(ctx, dataURI, nil, "users", fmt.Sprintf("%d", userID), "library")
	if err != nil {
		return nil, err
	}

	record := Image{
		UserID:      userID,
		Name:        name,
		Description: normalizeStringPointer(&description),
		Category:    Uncategorized,
		ImageURL:    imageURL,
		StoragePath: objectPath,
		Source:      sourceGenerated,
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if status := s.assets.TryRemove(ctx, objectPath); status == storage.RemoveFailed {
			log.Printf("library: cleanup of orphan object %s failed", objectPath)
		}
		return nil, fmt.Errorf("library: create generated image: %w", err)
	}

	return &record, nil
}

// normalizeStringPointer 去除前后空白，空串折叠为 nil。
func normalizeStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// normalizeTags 去重、去空白并排序标签集合。
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	if len(cleaned) == 0 {
		return nil
	}
	sort.Strings(cleaned)
	return cleaned
}

// marshalTags 将标签序列化为 JSON 列；失败时返回空值而非中断请求。
func marshalTags(tags []string) datatypes.JSON {
	cleaned := normalizeTags(tags)
	if len(cleaned) == 0 {
		return nil
	}
	payload, err := json.Marshal(cleaned)
	if err != nil {
		return nil
	}
	return datatypes.JSON(payload)
}
