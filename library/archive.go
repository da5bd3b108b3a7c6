package library

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"

	rardecode "github.com/nwaples/rardecode/v2"
)

const (
	maxArchiveBytes  int64 = 200 * 1024 * 1024 // 200 MiB upper guard
	maxEntryBytes    int64 = 10 * 1024 * 1024
	archiveFormatZip       = "zip"
	archiveFormatRar       = "rar"
)

// ImportArchive 从 ZIP 或 RAR 归档批量导入图片，每个图片条目上传后建立
// 一条库记录并归入给定分类（可为空）。返回成功导入的条目数。
//
// 非图片条目与单条失败仅记录日志并跳过，整体导入仍然成功；归档本身
// 无法解析时返回错误且不产生任何记录。
func (s *Service) ImportArchive(ctx context.Context, userID uint64, archiveName string, archive []byte, category string) (int, error) {
	if s.assets == nil {
		return 0, errors.New("library: object storage is not configured")
	}
	if int64(len(archive)) > maxArchiveBytes {
		return 0, fmt.Errorf("library: archive size exceeds %d bytes", maxArchiveBytes)
	}

	format, err := detectArchiveFormat(archiveName, archive)
	if err != nil {
		return 0, err
	}

	var entries []archiveEntry
	switch format {
	case archiveFormatZip:
		entries, err = readZipEntries(archive)
	case archiveFormatRar:
		entries, err = readRarEntries(archive)
	}
	if err != nil {
		return 0, err
	}

	normalized := NormalizeCategory(category)
	if normalized != Uncategorized {
		if err := s.ensureCategory(ctx, userID, normalized); err != nil {
			return 0, err
		}
	}

	imported := 0
	for _, entry := range entries {
		contentType := http.DetectContentType(entry.data)
		if !strings.HasPrefix(contentType, "image/") {
			continue
		}
		name := strings.TrimSuffix(path.Base(entry.name), path.Ext(entry.name))
		if strings.TrimSpace(name) == "" {
			continue
		}

		_, err := s.CreateImage(ctx, userID, ImageInput{
			Name:        name,
			Category:    normalized,
			Data:        entry.data,
			ContentType: contentType,
		})
		if err != nil {
			log.Printf("library: import archive entry %s failed: %v", entry.name, err)
			continue
		}
		imported++
	}

	return imported, nil
}

type archiveEntry struct {
	name string
	data []byte
}

// readZipEntries 展开 ZIP 归档中的常规文件条目。
func readZipEntries(archive []byte) ([]archiveEntry, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("library: parse archive: %w", err)
	}

	var entries []archiveEntry
	for _, file := range reader.File {
		sanitized, err := sanitizeArchiveEntry(file.Name)
		if err != nil {
			return nil, err
		}
		if sanitized == "" || file.FileInfo().IsDir() {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("library: open archive entry %s: %w", sanitized, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("library: read archive entry %s: %w", sanitized, err)
		}
		if int64(len(data)) > maxEntryBytes {
			log.Printf("library: archive entry %s exceeds size limit, skipped", sanitized)
			continue
		}
		entries = append(entries, archiveEntry{name: sanitized, data: data})
	}
	return entries, nil
}

// readRarEntries 展开 RAR 归档中的常规文件条目。
func readRarEntries(archive []byte) ([]archiveEntry, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("library: parse rar archive: %w", err)
	}

	var entries []archiveEntry
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("library: read rar entry: %w", err)
		}
		if header.IsDir {
			continue
		}

		sanitized, err := sanitizeArchiveEntry(header.Name)
		if err != nil {
			return nil, err
		}
		if sanitized == "" {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rr, maxEntryBytes+1))
		if err != nil {
			return nil, fmt.Errorf("library: read rar entry %s: %w", sanitized, err)
		}
		if int64(len(data)) > maxEntryBytes {
			log.Printf("library: archive entry %s exceeds size limit, skipped", sanitized)
			continue
		}
		entries = append(entries, archiveEntry{name: sanitized, data: data})
	}
	return entries, nil
}

// detectArchiveFormat 先看扩展名，再看文件头魔数。
func detectArchiveFormat(originalName string, archive []byte) (string, error) {
	ext := strings.ToLower(strings.TrimSpace(path.Ext(originalName)))
	switch ext {
	case ".zip":
		return archiveFormatZip, nil
	case ".rar":
		return archiveFormatRar, nil
	}

	if len(archive) >= 4 && bytes.HasPrefix(archive, []byte{0x50, 0x4B}) {
		return archiveFormatZip, nil
	}
	if len(archive) >= 7 && bytes.HasPrefix(archive, []byte("Rar!")) {
		return archiveFormatRar, nil
	}
	return "", errors.New("library: unsupported archive format")
}

// sanitizeArchiveEntry 拒绝绝对路径与目录穿越，返回归一化的条目名。
func sanitizeArchiveEntry(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}

	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." || normalized == "" {
		return "", nil
	}
	if strings.HasPrefix(normalized, "../") || strings.HasPrefix(normalized, "/") {
		return "", fmt.Errorf("library: archive entry %q escapes extraction root", name)
	}
	return normalized, nil
}
