package avatars

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"avatarium_back/authorization"
	"avatarium_back/genai"
	"avatarium_back/library"
	filestore "avatarium_back/storage"
	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Module 聚合了头像相关的数据库、对象存储与图片生成依赖。
type Module struct {
	db      *gorm.DB
	assets  *filestore.ObjectStorage
	genai   *genai.Client
	library *library.Service
}

const (
	claimUserIDKey = "user_id"

	maxUploadMemory = 16 * 1024 * 1024
)

// RegisterRoutes 初始化头像模块并注册所有相关路由。libraryService 用于把
// AI 生成的头像同步写入图片库，可为 nil。
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, libraryService *library.Service) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Avatar{}); err != nil {
		return nil, err
	}

	assets, err := filestore.NewObjectStorageFromEnv()
	if err != nil {
		return nil, err
	}

	var generator *genai.Client
	if client, err := genai.NewClientFromEnv(); err != nil {
		log.Printf("avatars: AI generation disabled: %v", err)
	} else {
		generator = client
	}

	module := &Module{db: db, assets: assets, genai: generator, library: libraryService}

	group := router.Group("/avatars")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	group.GET("", module.handleListAvatars)
	group.POST("", module.handleCreateAvatar)
	group.GET("/:id", module.handleGetAvatar)
	group.PUT("/:id", module.handleUpdateAvatar)
	group.DELETE("/:id", module.handleDeleteAvatar)

	return module, nil
}

// handleListAvatars godoc
// @Summary 列出头像
// @Tags Avatars
// @Produce json
// @Success 200 {object} map[string]interface{} "头像列表"
// @Failure 401 {object} map[string]string "未授权"
// @Author bizer
// handleListAvatars 返回当前用户的全部头像。
func (m *Module) handleListAvatars(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var avatars []Avatar
	err := m.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&avatars).Error
	if err != nil {
		log.Printf("avatars: list failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"avatars": avatars, "total": len(avatars)})
}

// handleGetAvatar godoc
// @Summary 获取头像详情
// @Tags Avatars
// @Produce json
// @Param id path int true "头像 ID"
// @Success 200 {object} map[string]interface{} "头像详情"
// @Failure 404 {object} map[string]string "头像不存在"
// @Author bizer
// handleGetAvatar 返回单个头像的详情。
func (m *Module) handleGetAvatar(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	avatar, ok := m.loadAvatar(c, userID)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"avatar": avatar})
}

// handleCreateAvatar godoc
// @Summary 创建头像
// @Description 上传头像文件，或提交 generate=true 与 prompt 由 AI 生成；
// @Description 生成的头像会额外在图片库中落一份独立副本
// @Tags Avatars
// @Accept multipart/form-data
// @Produce json
// @Param name formData string true "头像名"
// @Param description formData string false "描述"
// @Param generate formData bool false "是否 AI 生成"
// @Param prompt formData string false "生成用提示词"
// @Param image formData file false "头像文件"
// @Success 201 {object} map[string]interface{} "新建的头像"
// @Failure 400 {object} map[string]string "请求参数错误"
// @Failure 502 {object} map[string]string "生成失败"
// @Author bizer
// handleCreateAvatar 处理头像创建，支持上传与 AI 生成两条路径。
func (m *Module) handleCreateAvatar(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	description := normalizeStringPointer(c.PostForm("description"))

	generate, _ := strconv.ParseBool(strings.TrimSpace(c.PostForm("generate")))
	if generate {
		m.createGeneratedAvatar(c, userID, name, description)
		return
	}

	data, contentType, err := readImageField(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}

	imageURL, objectPath, err := m.assets.Upload(c.Request.Context(), data, contentType, nil, "users", fmt.Sprintf("%d", userID), "avatars")
	if err != nil {
		log.Printf("avatars: upload failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}

	avatar := Avatar{
		UserID:      userID,
		Name:        name,
		Description: description,
		ImageURL:    imageURL,
		StoragePath: objectPath,
	}
	if err := m.db.WithContext(c.Request.Context()).Create(&avatar).Error; err != nil {
		if status := m.assets.TryRemove(c.Request.Context(), objectPath); status == filestore.RemoveFailed {
			log.Printf("avatars: cleanup of orphan object %s failed", objectPath)
		}
		log.Printf("avatars: create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"avatar": avatar})
}

// createGeneratedAvatar 走 AI 生成路径：生成、上传、落库，并在图片库中
// 额外保存一份独立副本供后续整理。
func (m *Module) createGeneratedAvatar(c *gin.Context, userID uint64, name string, description *string) {
	prompt := strings.TrimSpace(c.PostForm("prompt"))
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required for generation"})
		return
	}
	if m.genai == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image generation is not configured"})
		return
	}

	ctx := c.Request.Context()
	dataURI, err := m.genai.GenerateImage(ctx, prompt)
	if err != nil {
		log.Printf("avatars: generate image failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "image generation failed"})
		return
	}

	imageURL, objectPath, err := m.assets.UploadDataURI(ctx, dataURI, nil, "users", fmt.Sprintf("%d", userID), "avatars")
	if err != nil {
		log.Printf("avatars: upload generated image failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}

	avatar := Avatar{
		UserID:      userID,
		Name:        name,
		Description: description,
		Prompt:      &prompt,
		ImageURL:    imageURL,
		StoragePath: objectPath,
	}
	if err := m.db.WithContext(ctx).Create(&avatar).Error; err != nil {
		if status := m.assets.TryRemove(ctx, objectPath); status == filestore.RemoveFailed {
			log.Printf("avatars: cleanup of orphan object %s failed", objectPath)
		}
		log.Printf("avatars: create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	// 图片库副本拥有独立的对象，两边的删除互不影响。
	m.insertLibraryCopy(ctx, userID, name, prompt, dataURI)

	c.JSON(http.StatusCreated, gin.H{"avatar": avatar})
}

// insertLibraryCopy 把生成结果作为独立记录写入图片库；失败只记录日志，
// 不影响头像创建本身。
func (m *Module) insertLibraryCopy(ctx context.Context, userID uint64, name, prompt, dataURI string) {
	if m.library == nil {
		return
	}
	if _, err := m.library.CreateGeneratedCopy(ctx, userID, name, prompt, dataURI); err != nil {
		log.Printf("avatars: insert library copy failed: %v", err)
	}
}

// handleUpdateAvatar godoc
// @Summary 更新头像
// @Description 更新头像元数据，可选替换头像文件；旧文件在更新成功后尽力删除
// @Tags Avatars
// @Accept multipart/form-data
// @Produce json
// @Param id path int true "头像 ID"
// @Success 200 {object} map[string]interface{} "更新后的头像"
// @Failure 404 {object} map[string]string "头像不存在"
// @Author bizer
// handleUpdateAvatar 更新头像元数据与可选的新文件。
func (m *Module) handleUpdateAvatar(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	avatar, ok := m.loadAvatar(c, userID)
	if !ok {
		return
	}

	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	if name := strings.TrimSpace(c.PostForm("name")); name != "" {
		avatar.Name = name
	}
	if _, exists := c.GetPostForm("description"); exists {
		avatar.Description = normalizeStringPointer(c.PostForm("description"))
	}

	ctx := c.Request.Context()
	oldPath := avatar.StoragePath
	replaced := false

	data, contentType, err := readImageField(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) > 0 {
		imageURL, objectPath, err := m.assets.Upload(ctx, data, contentType, nil, "users", fmt.Sprintf("%d", userID), "avatars")
		if err != nil {
			log.Printf("avatars: upload failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
			return
		}
		avatar.ImageURL = imageURL
		avatar.StoragePath = objectPath
		replaced = true
	}

	if err := m.db.WithContext(ctx).Save(avatar).Error; err != nil {
		if replaced {
			if status := m.assets.TryRemove(ctx, avatar.StoragePath); status == filestore.RemoveFailed {
				log.Printf("avatars: cleanup of orphan object %s failed", avatar.StoragePath)
			}
		}
		log.Printf("avatars: update failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if replaced && oldPath != "" {
		if status := m.assets.TryRemove(ctx, oldPath); status == filestore.RemoveFailed {
			log.Printf("avatars: remove replaced object %s failed", oldPath)
		}
	}

	c.JSON(http.StatusOK, gin.H{"avatar": avatar})
}

// handleDeleteAvatar godoc
// @Summary 删除头像
// @Description 先删除记录再尽力删除对象存储中的文件
// @Tags Avatars
// @Produce json
// @Param id path int true "头像 ID"
// @Success 200 {object} map[string]string "删除成功"
// @Failure 404 {object} map[string]string "头像不存在"
// @Author bizer
// handleDeleteAvatar 删除头像。
func (m *Module) handleDeleteAvatar(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	avatar, ok := m.loadAvatar(c, userID)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := m.db.WithContext(ctx).Delete(&Avatar{}, avatar.ID).Error; err != nil {
		log.Printf("avatars: delete failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if avatar.StoragePath != "" {
		if status := m.assets.TryRemove(ctx, avatar.StoragePath); status == filestore.RemoveFailed {
			log.Printf("avatars: remove object %s failed after record delete", avatar.StoragePath)
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "avatar deleted"})
}

// loadAvatar 解析路径参数并加载当前用户的头像记录。
func (m *Module) loadAvatar(c *gin.Context, userID uint64) (*Avatar, bool) {
	avatarID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid avatar id"})
		return nil, false
	}

	var avatar Avatar
	err = m.db.WithContext(c.Request.Context()).
		Where("user_id = ? AND id = ?", userID, avatarID).
		First(&avatar).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "avatar not found"})
		} else {
			log.Printf("avatars: load failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return nil, false
	}
	return &avatar, true
}

// readImageField 读取可选的头像文件字段，同时兼容 base64 数据 URI。
func readImageField(c *gin.Context) ([]byte, string, error) {
	if dataURI := strings.TrimSpace(c.PostForm("image_data")); dataURI != "" {
		contentType, data, err := filestore.DecodeDataURI(dataURI)
		if err != nil {
			return nil, "", err
		}
		return data, contentType, nil
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, "", nil
		}
		return nil, "", errors.New("invalid image file")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadMemory+1))
	if err != nil {
		return nil, "", errors.New("read image file failed")
	}
	if int64(len(data)) > maxUploadMemory {
		return nil, "", errors.New("image file too large")
	}
	return data, header.Header.Get("Content-Type"), nil
}

// currentUserID 从 JWT 声明中提取当前用户 ID。
func currentUserID(c *gin.Context) uint64 {
	if c == nil {
		return 0
	}

	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return 0
	}

	switch v := claims[claimUserIDKey].(type) {
	case float64:
		if v > 0 {
			return uint64(v)
		}
	case int64:
		if v > 0 {
			return uint64(v)
		}
	case uint64:
		return v
	case json.Number:
		if id, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
			return id
		}
	case string:
		if id, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
			return id
		}
	}
	return 0
}

// parseUintID 解析路径参数中的正整数 ID。
func parseUintID(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("invalid id")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// normalizeStringPointer 去除前后空白，空串折叠为 nil。
func normalizeStringPointer(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
