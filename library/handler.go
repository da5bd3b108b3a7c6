package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"avatarium_back/authorization"
	"avatarium_back/cache"
	"avatarium_back/genai"
	filestore "avatarium_back/storage"
	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// Module 聚合了图片库相关的数据库、对象存储与 AI 依赖。
type Module struct {
	service  *Service
	flows    *FlowManager
	progress *ProgressHub
}

const (
	claimUserIDKey = "user_id"
	claimRolesKey  = "roles"

	maxBackupBytes  = 32 * 1024 * 1024
	maxUploadMemory = 16 * 1024 * 1024
)

// RegisterRoutes 初始化图片库模块并注册所有相关路由。
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Image{}, &Category{}); err != nil {
		return nil, err
	}

	assets, err := filestore.NewObjectStorageFromEnv()
	if err != nil {
		return nil, err
	}

	var assetStore AssetStore
	if assets != nil {
		assetStore = assets
	}

	service, err := NewService(db, assetStore)
	if err != nil {
		return nil, err
	}

	var suggester Suggester
	if client, err := genai.NewClientFromEnv(); err != nil {
		log.Printf("library: AI suggestions disabled: %v", err)
	} else {
		redisClient, err := cache.GetRedisClient()
		if err != nil {
			log.Printf("library: suggestion cache disabled: %v", err)
		}
		suggester = genai.NewCategorizer(client, genai.NewSuggestionCache(redisClient))
	}

	module := &Module{
		service:  service,
		flows:    NewFlowManager(service, suggester),
		progress: NewProgressHub(),
	}

	group := router.Group("/library")
	group.GET("/progress/:ticket", module.handleStreamProgress)

	authGroup := group.Group("")
	if guard != nil {
		authGroup.Use(guard.RequireAuthenticated())
	} else {
		authGroup.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	authGroup.GET("/images", module.handleListImages)
	authGroup.POST("/images", module.handleCreateImage)
	authGroup.GET("/images/:id", module.handleGetImage)
	authGroup.PUT("/images/:id", module.handleUpdateImage)
	authGroup.DELETE("/images/:id", module.handleDeleteImage)
	authGroup.POST("/images/bulk-delete", module.handleBulkDeleteImages)

	authGroup.GET("/categories", module.handleListCategories)
	authGroup.POST("/categories", module.handleCreateCategory)
	authGroup.PUT("/categories/:id", module.handleRenameCategory)
	authGroup.DELETE("/categories/:id", module.handleDeleteCategory)

	authGroup.POST("/bulk-categorize", module.handleStartBulkFlow)
	authGroup.GET("/bulk-categorize/:sessionID", module.handleBulkFlowCurrent)
	authGroup.POST("/bulk-categorize/:sessionID/save", module.handleBulkFlowSave)
	authGroup.POST("/bulk-categorize/:sessionID/skip", module.handleBulkFlowSkip)
	authGroup.DELETE("/bulk-categorize/:sessionID", module.handleBulkFlowCancel)

	authGroup.GET("/backup", module.handleExportBackup)
	authGroup.POST("/backup", module.handleImportBackup)
	authGroup.GET("/export", module.handleExportArchive)
	authGroup.POST("/import", module.handleImportArchive)
	authGroup.POST("/progress", module.handleOpenProgress)

	return module, nil
}

// Service 暴露底层服务实例，供其它模块复用（头像生成的跨集合写入）。
func (m *Module) Service() *Service {
	if m == nil {
		return nil
	}
	return m.service
}

// handleListImages godoc
// @Summary 列出图片
// @Description 返回当前用户的图片，可按分类过滤；过滤"uncategorized"同时命中空分类
// @Tags Library
// @Produce json
// @Param category query string false "分类名"
// @Success 200 {object} map[string]interface{} "图片列表"
// @Failure 401 {object} map[string]string "未授权"
// @Failure 500 {object} map[string]string "服务器错误"
// @Author bizer
// handleListImages 按可选分类过滤返回用户的图片列表。
func (m *Module) handleListImages(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	images, err := m.service.ListImages(c.Request.Context(), userID, c.Query("category"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"images": images, "total": len(images)})
}

// handleGetImage godoc
// @Summary 获取图片详情
// @Tags Library
// @Produce json
// @Param id path int true "图片 ID"
// @Success 200 {object} map[string]interface{} "图片详情"
// @Failure 404 {object} map[string]string "图片不存在"
// @Author bizer
// handleGetImage 返回单张图片的详情。
func (m *Module) handleGetImage(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	imageID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image id"})
		return
	}

	image, err := m.service.GetImage(c.Request.Context(), userID, imageID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"image": image})
}

// handleCreateImage godoc
// @Summary 上传图片
// @Description 上传一张图片到图片库；支持 multipart 文件或 base64 数据 URI
// @Tags Library
// @Accept multipart/form-data
// @Produce json
// @Param name formData string true "图片名"
// @Param description formData string false "描述"
// @Param category formData string false "分类"
// @Param tags formData string false "标签（JSON 数组或逗号分隔）"
// @Param progress_ticket formData string false "进度票据"
// @Param image formData file false "图片文件"
// @Success 201 {object} map[string]interface{} "新建的图片"
// @Failure 400 {object} map[string]string "请求参数错误"
// @Failure 500 {object} map[string]string "服务器错误"
// @Author bizer
// handleCreateImage 处理图片上传并落库。
func (m *Module) handleCreateImage(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	input, ticketID, err := m.imageInputFromForm(c)
	defer m.closeProgress(ticketID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(input.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}

	if input.Category != "" && !IsUncategorized(input.Category) {
		if err := m.service.ensureCategory(c.Request.Context(), userID, input.Category); err != nil {
			respondServiceError(c, err)
			return
		}
	}

	image, err := m.service.CreateImage(c.Request.Context(), userID, input)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"image": image})
}

// handleUpdateImage godoc
// @Summary 更新图片
// @Description 更新图片元数据，可选替换底层图片文件
// @Tags Library
// @Accept multipart/form-data
// @Produce json
// @Param id path int true "图片 ID"
// @Success 200 {object} map[string]interface{} "更新后的图片"
// @Failure 400 {object} map[string]string "请求参数错误"
// @Failure 404 {object} map[string]string "图片不存在"
// @Author bizer
// handleUpdateImage 更新图片元数据与可选的新图片文件。
func (m *Module) handleUpdateImage(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	imageID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image id"})
		return
	}

	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	input, ticketID, err := m.imageInputFromForm(c)
	defer m.closeProgress(ticketID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if input.Category != "" && !IsUncategorized(input.Category) {
		if err := m.service.ensureCategory(c.Request.Context(), userID, input.Category); err != nil {
			respondServiceError(c, err)
			return
		}
	}

	image, err := m.service.UpdateImage(c.Request.Context(), userID, imageID, input)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"image": image})
}

// handleDeleteImage godoc
// @Summary 删除图片
// @Description 删除图片记录并尽力回收对象存储中的资源
// @Tags Library
// @Produce json
// @Param id path int true "图片 ID"
// @Success 200 {object} map[string]string "删除成功"
// @Failure 404 {object} map[string]string "图片不存在"
// @Author bizer
// handleDeleteImage 删除单张图片。
func (m *Module) handleDeleteImage(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	imageID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image id"})
		return
	}

	if err := m.service.DeleteImage(c.Request.Context(), userID, imageID); err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "image deleted"})
}

type bulkDeleteRequest struct {
	IDs []uint64 `json:"ids" binding:"required"`
}

// handleBulkDeleteImages godoc
// @Summary 批量删除图片
// @Description 在单个事务中删除多张图片记录，随后逐个回收资源
// @Tags Library
// @Accept json
// @Produce json
// @Param request body bulkDeleteRequest true "图片 ID 列表"
// @Success 200 {object} map[string]interface{} "删除数量"
// @Failure 400 {object} map[string]string "请求参数错误"
// @Author bizer
// handleBulkDeleteImages 批量删除图片记录。
func (m *Module) handleBulkDeleteImages(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload bulkDeleteRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids field is required"})
		return
	}

	deleted, err := m.service.BulkDeleteImages(c.Request.Context(), userID, payload.IDs)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// handleListCategories godoc
// @Summary 列出分类
// @Description 返回当前用户的全部分类及每个分类下的图片数
// @Tags Library
// @Produce json
// @Success 200 {object} map[string]interface{} "分类列表"
// @Author bizer
// handleListCategories 返回分类及计数。
func (m *Module) handleListCategories(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	categories, err := m.service.ListCategories(c.Request.Context(), userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

type categoryRequest struct {
	Name string `json:"name" binding:"required"`
}

// handleCreateCategory godoc
// @Summary 新建分类
// @Tags Library
// @Accept json
// @Produce json
// @Param request body categoryRequest true "分类名"
// @Success 201 {object} map[string]interface{} "新建的分类"
// @Failure 409 {object} map[string]string "分类已存在"
// @Author bizer
// handleCreateCategory 新建一个空分类。
func (m *Module) handleCreateCategory(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload categoryRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name field is required"})
		return
	}

	category, err := m.service.CreateCategory(c.Request.Context(), userID, payload.Name)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"category": category})
}

// handleRenameCategory godoc
// @Summary 重命名分类
// @Description 原子地更新分类名并级联改写其下全部图片的分类字段
// @Tags Library
// @Accept json
// @Produce json
// @Param id path int true "分类 ID"
// @Param request body categoryRequest true "新分类名"
// @Success 200 {object} map[string]interface{} "重命名结果与受影响的图片数"
// @Failure 404 {object} map[string]string "分类不存在"
// @Failure 409 {object} map[string]string "目标名已被占用"
// @Author bizer
// handleRenameCategory 级联重命名分类。
func (m *Module) handleRenameCategory(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	categoryID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category id"})
		return
	}

	var payload categoryRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name field is required"})
		return
	}

	category, moved, err := m.service.RenameCategory(c.Request.Context(), userID, categoryID, payload.Name)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"category": category, "updated_images": moved})
}

// handleDeleteCategory godoc
// @Summary 删除分类
// @Description 删除分类并把其下图片归入"未分类"，图片本身不受影响
// @Tags Library
// @Produce json
// @Param id path int true "分类 ID"
// @Success 200 {object} map[string]interface{} "被重新归类的图片数"
// @Failure 404 {object} map[string]string "分类不存在"
// @Author bizer
// handleDeleteCategory 级联删除分类。
func (m *Module) handleDeleteCategory(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	categoryID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category id"})
		return
	}

	moved, err := m.service.DeleteCategory(c.Request.Context(), userID, categoryID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"uncategorized_images": moved})
}

type startBulkFlowRequest struct {
	ImageIDs   []uint64 `json:"image_ids"`
	AIAssisted bool     `json:"ai_assisted"`
}

// handleStartBulkFlow godoc
// @Summary 启动批量归类
// @Description 对选中图片（或全部未分类图片）启动逐张审阅的归类流程
// @Tags Library
// @Accept json
// @Produce json
// @Param request body startBulkFlowRequest true "图片选择与模式"
// @Success 200 {object} map[string]interface{} "会话与首个条目"
// @Author bizer
// handleStartBulkFlow 启动批量归类会话。
func (m *Module) handleStartBulkFlow(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload startBulkFlowRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	view, err := m.flows.StartFlow(c.Request.Context(), userID, payload.ImageIDs, payload.AIAssisted)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// handleBulkFlowCurrent godoc
// @Summary 查看当前待审条目
// @Tags Library
// @Produce json
// @Param sessionID path string true "会话 ID"
// @Success 200 {object} map[string]interface{} "当前条目"
// @Failure 404 {object} map[string]string "会话不存在"
// @Author bizer
// handleBulkFlowCurrent 返回会话当前条目。
func (m *Module) handleBulkFlowCurrent(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	view, err := m.flows.Current(c.Request.Context(), userID, c.Param("sessionID"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

type bulkFlowSaveRequest struct {
	Category  string `json:"category"`
	Confirmed bool   `json:"confirmed"`
}

// handleBulkFlowSave godoc
// @Summary 保存当前条目的分类
// @Description 保存为"未分类"时必须带 confirmed 标记
// @Tags Library
// @Accept json
// @Produce json
// @Param sessionID path string true "会话 ID"
// @Param request body bulkFlowSaveRequest true "分类与确认标记"
// @Success 200 {object} map[string]interface{} "下一条目"
// @Failure 409 {object} map[string]string "需要确认"
// @Author bizer
// handleBulkFlowSave 保存当前条目并推进会话。
func (m *Module) handleBulkFlowSave(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload bulkFlowSaveRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	view, err := m.flows.Save(c.Request.Context(), userID, c.Param("sessionID"), payload.Category, payload.Confirmed)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// handleBulkFlowSkip godoc
// @Summary 跳过当前条目
// @Tags Library
// @Produce json
// @Param sessionID path string true "会话 ID"
// @Success 200 {object} map[string]interface{} "下一条目"
// @Author bizer
// handleBulkFlowSkip 跳过当前条目。
func (m *Module) handleBulkFlowSkip(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	view, err := m.flows.Skip(c.Request.Context(), userID, c.Param("sessionID"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// handleBulkFlowCancel godoc
// @Summary 取消批量归类会话
// @Description 丢弃剩余队列；已保存的条目保持不变
// @Tags Library
// @Produce json
// @Param sessionID path string true "会话 ID"
// @Success 200 {object} map[string]interface{} "最终会话状态"
// @Author bizer
// handleBulkFlowCancel 取消会话。
func (m *Module) handleBulkFlowCancel(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	view, err := m.flows.Cancel(userID, c.Param("sessionID"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// handleExportBackup godoc
// @Summary 导出备份
// @Description 将当前用户的图片库序列化为带版本标记的 JSON 备份文档
// @Tags Library
// @Produce json
// @Success 200 {object} map[string]interface{} "备份文档"
// @Author bizer
// handleExportBackup 导出备份文档。
func (m *Module) handleExportBackup(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	document, err := m.service.ExportBackup(c.Request.Context(), userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	filename := fmt.Sprintf("library-backup-%s.json", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.JSON(http.StatusOK, document)
}

// handleImportBackup godoc
// @Summary 导入备份
// @Description 将备份文档中的条目批量写入当前用户的图片库（纯增量，不去重）
// @Tags Library
// @Accept multipart/form-data
// @Accept json
// @Produce json
// @Param backup formData file false "备份文件"
// @Success 200 {object} map[string]interface{} "新增的记录数"
// @Failure 400 {object} map[string]string "备份格式错误"
// @Author bizer
// handleImportBackup 导入备份文档。
func (m *Module) handleImportBackup(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	payload, err := readBackupPayload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	restored, err := m.service.ImportBackup(c.Request.Context(), userID, payload)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"restored": restored})
}

// handleExportArchive godoc
// @Summary 导出归档
// @Description 将全部图片资源打包为按分类组织目录的 ZIP 归档
// @Tags Library
// @Produce application/zip
// @Success 200 {file} binary "ZIP 归档"
// @Author bizer
// handleExportArchive 导出 ZIP 归档。
func (m *Module) handleExportArchive(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	archive, packed, err := m.service.ExportArchive(c.Request.Context(), userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	filename := fmt.Sprintf("library-export-%s.zip", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("X-Packed-Count", strconv.Itoa(packed))
	c.Data(http.StatusOK, "application/zip", archive)
}

// handleImportArchive godoc
// @Summary 从归档批量导入
// @Description 解包 ZIP 或 RAR 归档并把其中的图片导入指定分类
// @Tags Library
// @Accept multipart/form-data
// @Produce json
// @Param archive formData file true "归档文件"
// @Param category formData string false "目标分类"
// @Success 200 {object} map[string]interface{} "导入的图片数"
// @Failure 400 {object} map[string]string "归档格式错误"
// @Author bizer
// handleImportArchive 从归档批量导入图片。
func (m *Module) handleImportArchive(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	file, header, err := c.Request.FormFile("archive")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive file is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxArchiveBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read archive failed"})
		return
	}

	imported, err := m.service.ImportArchive(c.Request.Context(), userID, header.Filename, data, c.PostForm("category"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"imported": imported})
}

// handleOpenProgress godoc
// @Summary 申请进度票据
// @Description 返回一张进度票据，随后的上传请求携带它即可经 WebSocket 观察进度
// @Tags Library
// @Produce json
// @Success 200 {object} map[string]string "进度票据"
// @Author bizer
// handleOpenProgress 分配一张上传进度票据。
func (m *Module) handleOpenProgress(c *gin.Context) {
	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ticket, _ := m.progress.Open()
	c.JSON(http.StatusOK, gin.H{"ticket": ticket})
}

// handleStreamProgress 将上传进度经 WebSocket 推送给客户端。票据号本身即凭证。
func (m *Module) handleStreamProgress(c *gin.Context) {
	m.progress.streamProgress(c, c.Param("ticket"))
}

// imageInputFromForm 从 multipart 表单解析图片字段与可选的进度票据。
func (m *Module) imageInputFromForm(c *gin.Context) (ImageInput, string, error) {
	description := strings.TrimSpace(c.PostForm("description"))
	input := ImageInput{
		Name:     c.PostForm("name"),
		Category: c.PostForm("category"),
		Tags:     parseTagsField(c.PostForm("tags")),
	}
	if description != "" {
		input.Description = &description
	}

	ticketID := strings.TrimSpace(c.PostForm("progress_ticket"))
	if ticketID != "" {
		input.Progress = m.progress.Reporter(ticketID)
	}

	if dataURI := strings.TrimSpace(c.PostForm("image_data")); dataURI != "" {
		contentType, data, err := filestore.DecodeDataURI(dataURI)
		if err != nil {
			return ImageInput{}, ticketID, err
		}
		input.Data = data
		input.ContentType = contentType
		return input, ticketID, nil
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return input, ticketID, nil
		}
		return ImageInput{}, ticketID, errors.New("invalid image file")
	}
	defer file.Close()

	data, err := readMultipartFile(file)
	if err != nil {
		return ImageInput{}, ticketID, err
	}
	input.Data = data
	input.ContentType = header.Header.Get("Content-Type")
	return input, ticketID, nil
}

// closeProgress 结束本次请求占用的进度票据。
func (m *Module) closeProgress(ticketID string) {
	if ticketID == "" {
		return
	}
	m.progress.Close(ticketID)
}

// readBackupPayload 兼容文件上传与裸 JSON 两种导入方式。
func readBackupPayload(c *gin.Context) ([]byte, error) {
	contentType := c.ContentType()
	if strings.HasPrefix(contentType, "multipart/") {
		file, _, err := c.Request.FormFile("backup")
		if err != nil {
			return nil, errors.New("backup file is required")
		}
		defer file.Close()
		return readLimited(file, maxBackupBytes)
	}

	return readLimited(c.Request.Body, maxBackupBytes)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.New("read payload failed")
	}
	if int64(len(data)) > limit {
		return nil, errors.New("payload too large")
	}
	return data, nil
}

func readMultipartFile(file multipart.File) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(file, maxUploadMemory+1))
	if err != nil {
		return nil, errors.New("read image file failed")
	}
	if int64(len(data)) > maxUploadMemory {
		return nil, errors.New("image file too large")
	}
	return data, nil
}

// respondServiceError 将服务层错误映射为对应的 HTTP 状态码。
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrImageNotFound), errors.Is(err, ErrCategoryNotFound), errors.Is(err, ErrFlowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrCategoryExists), errors.Is(err, ErrFlowNeedsConfirm), errors.Is(err, ErrFlowFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrCategoryReserved), errors.Is(err, ErrBackupMalformed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("library: request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// currentUserContext 从 JWT 声明中提取当前用户与角色。
func currentUserContext(c *gin.Context) (uint64, []string) {
	if c == nil {
		return 0, nil
	}

	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return 0, nil
	}

	userID := parseUserIDClaim(claims[claimUserIDKey])
	roles := extractRolesClaim(claims[claimRolesKey])

	return userID, roles
}

// parseUserIDClaim 从 JWT 声明中解析用户 ID。
func parseUserIDClaim(raw interface{}) uint64 {
	switch v := raw.(type) {
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

// extractRolesClaim 从 JWT 声明中解析角色列表。
func extractRolesClaim(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if role, ok := item.(string); ok && strings.TrimSpace(role) != "" {
				roles = append(roles, strings.TrimSpace(role))
			}
		}
		return roles
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}
	return nil
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

// parseTagsField 支持 JSON 数组与逗号分隔两种标签格式。
func parseTagsField(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var tags []string
		if err := json.Unmarshal([]byte(trimmed), &tags); err == nil {
			return tags
		}
	}

	parts := strings.Split(trimmed, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if cleaned := strings.TrimSpace(part); cleaned != "" {
			tags = append(tags, cleaned)
		}
	}
	return tags
}
