package handlers

import (
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/metawhale/holi-platform/internal/common"
	"github.com/metawhale/holi-platform/internal/voice"
)

// audioUpload pulls the multipart audio field out of the request. The close
// function must run once the service is done with the reader.
func audioUpload(c *gin.Context) (voice.Upload, io.Closer, bool) {
	fileHeader, err := c.FormFile("audio")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "audio file required")
		return voice.Upload{}, nil, false
	}

	f, err := fileHeader.Open()
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "could not read audio file")
		return voice.Upload{}, nil, false
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "audio/webm"
	}

	return voice.Upload{
		Reader:   f,
		Filename: fileHeader.Filename,
		MimeType: mimeType,
		Size:     fileHeader.Size,
	}, f, true
}

// TranscribeSync runs the provider chain on the request thread and returns
// the text directly; nothing is persisted and nothing is enqueued.
func (h *Handler) TranscribeSync(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	up, closer, ok := audioUpload(c)
	if !ok {
		return
	}
	defer closer.Close()

	res, err := h.VoiceSvc.Transcribe(c.Request.Context(), up, c.PostForm("language"))
	if err != nil {
		log.Printf("[TranscribeSync] uid=%d err=%v", uid, err)
		failDomain(c, err)
		return
	}

	common.OK(c, gin.H{
		"text":       res.Text,
		"language":   res.Language,
		"provider":   res.Provider,
		"confidence": res.Confidence,
		"duration":   res.Duration,
	})
}

func (h *Handler) Transcribe(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	up, closer, ok := audioUpload(c)
	if !ok {
		return
	}
	defer closer.Close()

	var sessionID *string
	if v := c.PostForm("session_id"); v != "" {
		sessionID = &v
	}

	t, err := h.VoiceSvc.TranscribeAsync(c.Request.Context(), up, uid, sessionID, c.PostForm("language"))
	if err != nil {
		log.Printf("[Transcribe] uid=%d err=%v", uid, err)
		failDomain(c, err)
		return
	}

	common.OK(c, gin.H{"transcription_id": t.ID, "status": t.Status, "accepted": true})
}

func (h *Handler) TranscriptionStatus(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	id := c.Param("transcription_id")
	if id == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "transcription_id required")
		return
	}

	t, err := h.VoiceSvc.Find(c.Request.Context(), id, uid)
	if err != nil {
		failDomain(c, err)
		return
	}

	common.OK(c, h.VoiceSvc.TranscriptionStatus(t))
}
