package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"
)

// backupVersion 是当前备份文档的格式版本号。
const backupVersion = 1

// ErrBackupMalformed 表示备份文档的顶层结构无法识别。
var ErrBackupMalformed = errors.New("library: backup document is malformed")

// BackupEntry 是备份文档中的一条图片记录，时间以 RFC3339 文本表示。
type BackupEntry struct {
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	ImageURL    string   `json:"image_url"`
	StoragePath string   `json:"storage_path,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Source      string   `json:"source,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
}

// BackupDocument 是带版本标记的备份文档外壳。
type BackupDocument struct {
	Version    int           `json:"version"`
	ExportedAt string        `json:"exported_at"`
	Images     []BackupEntry `json:"images"`
}

// ExportBackup 将用户的全部图片记录序列化为可移植的备份文档。
func (s *Service) ExportBackup(ctx context.Context, userID uint64) (*BackupDocument, error) {
	records, err := s.ListImages(ctx, userID, "")
	if err != nil {
		return nil, err
	}

	entries := make([]BackupEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, BackupEntry{
			Name:        record.Name,
			Description: record.Description,
			Category:    NormalizeCategory(record.Category),
			ImageURL:    record.ImageURL,
			StoragePath: record.StoragePath,
			Tags:        decodeTags(record.Tags),
			Source:      record.Source,
			CreatedAt:   record.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	return &BackupDocument{
		Version:    backupVersion,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Images:     entries,
	}, nil
}

// ImportBackup 解析备份文档并将其中的有效条目作为新记录批量写入。
//
// 兼容两种顶层形状：带版本标记的对象外壳，以及早期导出的纯数组。导入是
// 纯增量操作：已有记录不会被修改或去重，重复导入同一份文档会产生重复
// 条目。缺少必填字段的条目被静默跳过。整批插入在单个事务中提交，返回
// 新增的记录数。
func (s *Service) ImportBackup(ctx context.Context, userID uint64, payload []byte) (int, error) {
	entries, err := parseBackupPayload(payload)
	if err != nil {
		return 0, err
	}

	staged := make([]Image, 0, len(entries))
	categories := make(map[string]struct{})
	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		imageURL := strings.TrimSpace(entry.ImageURL)
		if name == "" || imageURL == "" {
			continue
		}

		record := Image{
			UserID:      userID,
			Name:        name,
			Description: normalizeStringPointer(entry.Description),
			Category:    NormalizeCategory(entry.Category),
			ImageURL:    imageURL,
			StoragePath: strings.TrimSpace(entry.StoragePath),
			Tags:        marshalTags(entry.Tags),
			Source:      normalizeSource(entry.Source),
		}
		if createdAt, err := time.Parse(time.RFC3339, strings.TrimSpace(entry.CreatedAt)); err == nil {
			record.CreatedAt = createdAt.UTC()
		}
		if record.Category != Uncategorized {
			categories[record.Category] = struct{}{}
		}
		staged = append(staged, record)
	}
	if len(staged) == 0 {
		return 0, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&staged).Error
	})
	if err != nil {
		return 0, fmt.Errorf("library: import backup: %w", err)
	}

	// 记录已经提交，分类建档失败只记录日志，不影响导入结果。
	for name := range categories {
		if err := s.ensureCategory(ctx, userID, name); err != nil {
			log.Printf("library: ensure category %q after import failed: %v", name, err)
		}
	}

	return len(staged), nil
}

// parseBackupPayload 识别备份文档的两种顶层形状并返回其条目序列。
func parseBackupPayload(payload []byte) ([]BackupEntry, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil, ErrBackupMalformed
	}

	if strings.HasPrefix(trimmed, "[") {
		var entries []BackupEntry
		if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
			return nil, ErrBackupMalformed
		}
		return entries, nil
	}

	var document BackupDocument
	if err := json.Unmarshal([]byte(trimmed), &document); err != nil {
		return nil, ErrBackupMalformed
	}
	if document.Version > backupVersion {
		return nil, fmt.Errorf("library: unsupported backup version %d", document.Version)
	}
	if document.Images == nil {
		return nil, ErrBackupMalformed
	}
	return document.Images, nil
}

// decodeTags 将 JSON 列中的标签反序列化为字符串切片。
func decodeTags(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return normalizeTags(tags)
}

// normalizeSource 将未知来源标记折叠为默认的上传来源。
func normalizeSource(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case sourceGenerated:
		return sourceGenerated
	default:
		return sourceUpload
	}
}
