package library

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
)

const defaultExportExtension = ".png"

// ExportArchive 将用户的全部图片资源打包为一个 ZIP 归档，按分类组织目录。
//
// 逐条从对象存储拉取资源；单条拉取失败仅记录日志并跳过，整体导出仍然
// 成功。条目路径为 {category}/{name}{ext}，无分类图片直接放在归档根部。
// 同目录重名条目追加序号后缀以避免互相覆盖。
func (s *Service) ExportArchive(ctx context.Context, userID uint64) ([]byte, int, error) {
	if s.assets == nil {
		return nil, 0, errors.New("library: object storage is not configured")
	}

	records, err := s.ListImages(ctx, userID, "")
	if err != nil {
		return nil, 0, err
	}

	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	used := make(map[string]int)
	packed := 0

	for _, record := range records {
		if record.StoragePath == "" {
			log.Printf("library: export skips image %d without storage path", record.ID)
			continue
		}
		data, err := s.assets.Fetch(ctx, record.StoragePath)
		if err != nil {
			log.Printf("library: export fetch %s failed: %v", record.StoragePath, err)
			continue
		}

		entryName := archiveEntryName(record, used)
		entry, err := writer.Create(entryName)
		if err != nil {
			_ = writer.Close()
			return nil, 0, fmt.Errorf("library: create archive entry: %w", err)
		}
		if _, err := entry.Write(data); err != nil {
			_ = writer.Close()
			return nil, 0, fmt.Errorf("library: write archive entry: %w", err)
		}
		packed++
	}

	if err := writer.Close(); err != nil {
		return nil, 0, fmt.Errorf("library: finalize archive: %w", err)
	}
	return buffer.Bytes(), packed, nil
}

// archiveEntryName 计算一条记录在归档中的路径并解决目录内重名。
func archiveEntryName(record Image, used map[string]int) string {
	base := sanitizeEntrySegment(record.Name)
	if base == "" {
		base = fmt.Sprintf("image-%d", record.ID)
	}
	ext := extensionFromURL(record.ImageURL)

	dir := ""
	if !IsUncategorized(record.Category) {
		dir = sanitizeEntrySegment(record.Category)
	}

	candidate := base + ext
	if dir != "" {
		candidate = dir + "/" + candidate
	}

	count := used[candidate]
	used[candidate] = count + 1
	if count == 0 {
		return candidate
	}

	deduped := fmt.Sprintf("%s (%d)%s", base, count+1, ext)
	if dir != "" {
		return dir + "/" + deduped
	}
	return deduped
}

// extensionFromURL 从资源 URL 的末段推导文件扩展名，剥离查询参数。
func extensionFromURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultExportExtension
	}
	if parsed, err := url.Parse(trimmed); err == nil && parsed.Path != "" {
		trimmed = parsed.Path
	}
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	ext := path.Ext(trimmed)
	if ext == "" || ext == "." || len(ext) > 8 {
		return defaultExportExtension
	}
	return ext
}

// sanitizeEntrySegment 清理归档路径片段中的分隔符与遍历序列。
func sanitizeEntrySegment(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, "..", "")
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	cleaned = strings.ReplaceAll(cleaned, "/", "-")
	return strings.Trim(cleaned, ". -")
}
