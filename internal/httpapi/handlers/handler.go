package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/metawhale/holi-platform/internal/ai"
	"github.com/metawhale/holi-platform/internal/common"
	"github.com/metawhale/holi-platform/internal/httpapi/middleware"
	"github.com/metawhale/holi-platform/internal/onboarding"
	"github.com/metawhale/holi-platform/internal/voice"
	"gorm.io/gorm"
)

type Handler struct {
	OnboardingSvc *onboarding.Service
	VoiceSvc      *voice.Service
}

func NewHandler(onboardingSvc *onboarding.Service, voiceSvc *voice.Service) *Handler {
	return &Handler{OnboardingSvc: onboardingSvc, VoiceSvc: voiceSvc}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// failDomain maps domain and provider errors onto the response envelope.
func failDomain(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "not found")
	case errors.Is(err, onboarding.ErrAlreadyInProgress),
		errors.Is(err, voice.ErrAlreadyInProgress):
		common.Fail(c, http.StatusConflict, 40901, "processing already in progress")
	case errors.Is(err, onboarding.ErrSessionNotActive):
		common.Fail(c, http.StatusConflict, 40902, "session is not active")
	case ai.IsUnsupportedInput(err):
		common.Fail(c, http.StatusUnprocessableEntity, 42201, err.Error())
	case ai.IsUnavailable(err):
		common.Fail(c, http.StatusBadGateway, 50201, "ai provider unavailable")
	default:
		var aiErr *ai.Error
		if errors.As(err, &aiErr) {
			common.Fail(c, http.StatusBadGateway, 50202, "ai provider error")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
