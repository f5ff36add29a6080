package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/metawhale/holi-platform/internal/common"
)

type sessionReq struct {
	SessionID string `json:"session_id" binding:"required"`
}

type chatReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

func (h *Handler) CanStartOnboarding(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	res, err := h.OnboardingSvc.CanStart(c.Request.Context(), uid)
	if err != nil {
		log.Printf("[CanStartOnboarding] uid=%d err=%v", uid, err)
		failDomain(c, err)
		return
	}
	common.OK(c, res)
}

// StartOnboarding is the sync start: get-or-create plus the greeting when the
// session is fresh. An already-greeted session returns without a gateway call.
func (h *Handler) StartOnboarding(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sess, err := h.OnboardingSvc.GetOrCreateSession(c.Request.Context(), uid)
	if err != nil {
		log.Printf("[StartOnboarding] uid=%d err=%v", uid, err)
		failDomain(c, err)
		return
	}

	msgs, err := h.OnboardingSvc.Messages(c.Request.Context(), sess)
	if err != nil {
		failDomain(c, err)
		return
	}
	if len(msgs) > 0 {
		common.OK(c, gin.H{"session_id": sess.ID, "message": msgs[len(msgs)-1].Content})
		return
	}

	res, err := h.OnboardingSvc.StartOnboarding(c.Request.Context(), sess)
	if err != nil {
		log.Printf("[StartOnboarding] uid=%d session=%s err=%v", uid, sess.ID, err)
		failDomain(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": sess.ID, "message": res.Message})
}

func (h *Handler) Chat(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.OnboardingSvc.FindSession(c.Request.Context(), req.SessionID, uid)
	if err != nil {
		failDomain(c, err)
		return
	}

	res, err := h.OnboardingSvc.ProcessMessage(c.Request.Context(), sess, req.Message)
	if err != nil {
		log.Printf("[Chat] uid=%d session=%s err=%v", uid, sess.ID, err)
		failDomain(c, err)
		return
	}

	common.OK(c, gin.H{
		"session_id":  sess.ID,
		"message":     res.Message,
		"is_complete": res.IsComplete,
	})
}

func (h *Handler) CompleteOnboarding(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.OnboardingSvc.FindSession(c.Request.Context(), req.SessionID, uid)
	if err != nil {
		failDomain(c, err)
		return
	}

	summary, err := h.OnboardingSvc.CompleteOnboarding(c.Request.Context(), sess)
	if err != nil {
		log.Printf("[CompleteOnboarding] uid=%d session=%s err=%v", uid, sess.ID, err)
		failDomain(c, err)
		return
	}

	common.OK(c, gin.H{"session_id": sess.ID, "summary": summary})
}

func (h *Handler) CancelOnboarding(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.OnboardingSvc.FindSession(c.Request.Context(), req.SessionID, uid)
	if err != nil {
		failDomain(c, err)
		return
	}

	if err := h.OnboardingSvc.CancelSession(c.Request.Context(), sess); err != nil {
		failDomain(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": sess.ID, "status": sess.Status})
}

func (h *Handler) History(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Query("session_id")
	if sessionID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "session_id required")
		return
	}

	sess, err := h.OnboardingSvc.FindSession(c.Request.Context(), sessionID, uid)
	if err != nil {
		failDomain(c, err)
		return
	}

	msgs, err := h.OnboardingSvc.Messages(c.Request.Context(), sess)
	if err != nil {
		failDomain(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": sess.ID, "status": sess.Status, "messages": msgs})
}

// Summaries lists the caller's completed onboarding summaries, newest first.
func (h *Handler) Summaries(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

	res, err := h.OnboardingSvc.Summaries(c.Request.Context(), uid, page, perPage)
	if err != nil {
		log.Printf("[Summaries] uid=%d err=%v", uid, err)
		failDomain(c, err)
		return
	}
	common.OK(c, res)
}

// StartOnboardingAsync returns immediately; the greeting is produced by the
// worker and picked up via message-status polling.
func (h *Handler) StartOnboardingAsync(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sess, err := h.OnboardingSvc.GetOrCreateSession(c.Request.Context(), uid)
	if err != nil {
		failDomain(c, err)
		return
	}

	if err := h.OnboardingSvc.StartOnboardingAsync(c.Request.Context(), sess); err != nil {
		log.Printf("[StartOnboardingAsync] uid=%d session=%s err=%v", uid, sess.ID, err)
		failDomain(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": sess.ID, "accepted": true})
}

func (h *Handler) ChatAsync(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.OnboardingSvc.FindSession(c.Request.Context(), req.SessionID, uid)
	if err != nil {
		failDomain(c, err)
		return
	}

	msg, err := h.OnboardingSvc.ProcessMessageAsync(c.Request.Context(), sess, req.Message)
	if err != nil {
		log.Printf("[ChatAsync] uid=%d session=%s err=%v", uid, sess.ID, err)
		failDomain(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": sess.ID, "message_id": msg.ID, "accepted": true})
}

func (h *Handler) MessageStatus(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Query("session_id")
	if sessionID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "session_id required")
		return
	}

	sess, err := h.OnboardingSvc.FindSession(c.Request.Context(), sessionID, uid)
	if err != nil {
		failDomain(c, err)
		return
	}

	res, err := h.OnboardingSvc.MessageStatus(c.Request.Context(), sess)
	if err != nil {
		failDomain(c, err)
		return
	}
	common.OK(c, res)
}
