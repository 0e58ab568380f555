package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"dp-chatbot-go/internal/middleware"
	"dp-chatbot-go/internal/service"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/provider"

	"github.com/gin-gonic/gin"
)

// IngestHandler 处理文件夹同步、批处理和文档删除请求。
type IngestHandler struct {
	syncService service.SyncService
}

// NewIngestHandler 创建一个新的 IngestHandler 实例。
func NewIngestHandler(syncService service.SyncService) *IngestHandler {
	return &IngestHandler{syncService: syncService}
}

// IngestFolderRequest 是同步文件夹的请求体，凭据可选；不提供时使用服务端配置的凭据。
type IngestFolderRequest struct {
	Credentials *provider.Credentials `json:"credentials"`
}

// ProcessRequest 是批处理请求体。
type ProcessRequest struct {
	Limit int `json:"limit" binding:"omitempty,min=1,max=200"`
}

// IngestFolder 同步一个文件夹的文件清单并登记待处理文件。
func (h *IngestHandler) IngestFolder(c *gin.Context) {
	folderID := strings.TrimSpace(c.Param("folderId"))
	log.Infof("[IngestHandler] 收到文件夹同步请求, folderId: %s", folderID)

	var req IngestFolderRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondError(c, "IngestHandler", errs.Validation("ingest.folder", "请求体格式错误"))
		return
	}
	var creds provider.Credentials
	if req.Credentials != nil {
		creds = *req.Credentials
	}

	result, err := h.syncService.IngestFolder(c.Request.Context(), folderID, creds)
	if err != nil {
		respondError(c, "IngestHandler", err)
		return
	}
	log.Infof("[IngestHandler] 文件夹同步完成, folderId: %s, new: %d, updated: %d, skipped: %d, errors: %d",
		folderID, result.New, result.Updated, result.Skipped, result.Errors)
	respondOK(c, "success", result)
}

// ProcessPending 认领并处理一批待处理文件。部分失败时仍返回 200，各文件结果见 perFileResult。
func (h *IngestHandler) ProcessPending(c *gin.Context) {
	var req ProcessRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondError(c, "IngestHandler", errs.Validation("ingest.process", "limit 必须在 1 到 200 之间"))
		return
	}
	log.Infof("[IngestHandler] 收到批处理请求, limit: %d", req.Limit)

	result, err := h.syncService.ProcessPending(c.Request.Context(), req.Limit)
	if err != nil {
		respondError(c, "IngestHandler", err)
		return
	}
	if result.Failed > 0 {
		// 单个文件的错误只返回公开描述，完整原因在日志与 error_message 中按请求 ID 查询
		requestID := middleware.RequestIDFrom(c)
		log.Warnw("[IngestHandler] 批处理部分失败", "requestId", requestID, "failed", result.Failed)
		c.JSON(http.StatusOK, gin.H{
			"code":      http.StatusOK,
			"message":   "partial failure",
			"data":      result,
			"requestId": requestID,
		})
		return
	}
	respondOK(c, "success", result)
}

// SyncTick 同步所有配置的文件夹并触发后续处理。
func (h *IngestHandler) SyncTick(c *gin.Context) {
	log.Info("[IngestHandler] 收到定时同步请求")
	result, err := h.syncService.SyncTick(c.Request.Context())
	if err != nil {
		respondError(c, "IngestHandler", err)
		return
	}
	respondOK(c, "success", result)
}

// DeleteDocument 删除一个文档及其所有派生数据。
func (h *IngestHandler) DeleteDocument(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param("id"))
	log.Infof("[IngestHandler] 收到文档删除请求, documentId: %s", documentID)
	if documentID == "" {
		respondError(c, "IngestHandler", errs.Validation("documents.delete", "文档 ID 不能为空"))
		return
	}
	if err := h.syncService.DeleteDocument(c.Request.Context(), documentID); err != nil {
		respondError(c, "IngestHandler", err)
		return
	}
	respondOK(c, "文档删除成功", nil)
}

// bindOptionalJSON 绑定 JSON 请求体，空请求体视为使用默认值。
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
