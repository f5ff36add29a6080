package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/metawhale/holi-platform/internal/common"
	"github.com/metawhale/holi-platform/internal/config"
	"github.com/metawhale/holi-platform/internal/httpapi/handlers"
	"github.com/metawhale/holi-platform/internal/httpapi/middleware"
	"github.com/metawhale/holi-platform/internal/onboarding"
	"github.com/metawhale/holi-platform/internal/voice"
)

func NewRouter(cfg config.Config, onboardingSvc *onboarding.Service, voiceSvc *voice.Service) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(onboardingSvc, voiceSvc)

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	// Onboarding, sync path (gateway calls run on the request thread)
	authGroup.GET("/onboarding/can-start", h.CanStartOnboarding)
	authGroup.POST("/onboarding/start", h.StartOnboarding)
	authGroup.POST("/onboarding/chat", h.Chat)
	authGroup.POST("/onboarding/complete", h.CompleteOnboarding)
	authGroup.POST("/onboarding/cancel", h.CancelOnboarding)
	authGroup.GET("/onboarding/history", h.History)
	authGroup.GET("/summaries", h.Summaries)

	// Onboarding, async path (accepted + poll)
	authGroup.POST("/onboarding/start-async", h.StartOnboardingAsync)
	authGroup.POST("/onboarding/chat-async", h.ChatAsync)
	authGroup.GET("/onboarding/message-status", h.MessageStatus)

	// Voice, sync path (chain runs on the request thread)
	authGroup.POST("/voice/transcribe", h.TranscribeSync)

	// Voice, async path (accepted + poll)
	authGroup.POST("/voice/transcriptions", h.Transcribe)
	authGroup.GET("/voice/transcriptions/:transcription_id", h.TranscriptionStatus)

	return r
}
