package handler

import (
	"net/http"
	"strings"

	"dp-chatbot-go/internal/service"
	"dp-chatbot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// RetrievalHandler 处理分层检索请求。
type RetrievalHandler struct {
	retrievalService service.RetrievalService
}

// NewRetrievalHandler 创建一个新的 RetrievalHandler 实例。
func NewRetrievalHandler(retrievalService service.RetrievalService) *RetrievalHandler {
	return &RetrievalHandler{retrievalService: retrievalService}
}

// RetrieveRequest 是检索请求体。
type RetrieveRequest struct {
	Query string `json:"query" binding:"required,max=2000"`
}

// Retrieve 按当前用户的团队执行分层检索。
func (h *RetrievalHandler) Retrieve(c *gin.Context) {
	user, ok := userFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "用户未认证"})
		return
	}

	var req RetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		log.Warnf("[RetrievalHandler] 检索请求参数无效, userId: %s", user.UserID)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的查询参数"})
		return
	}
	log.Infof("[RetrievalHandler] 收到检索请求, userId: %s, team: %s", user.UserID, user.Team)

	resp, err := h.retrievalService.Retrieve(c.Request.Context(), req.Query, user)
	if err != nil {
		respondError(c, "RetrievalHandler", err)
		return
	}
	log.Infof("[RetrievalHandler] 检索完成, queryType: %s, tiers: %v, results: %d",
		resp.QueryType, resp.TiersUsed, len(resp.Results))
	respondOK(c, "success", resp)
}
