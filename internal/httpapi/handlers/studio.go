package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/common"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/provider"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/studio"
)

func artworkJSON(a *studio.Artwork) gin.H {
	settings := a.DecodeSettings()
	return gin.H{
		"id":              a.ID,
		"user_id":         a.UserID,
		"title":           a.Title,
		"description":     a.Description,
		"prompt":          a.Prompt,
		"negative_prompt": a.NegativePrompt,
		"model":           a.Model,
		"width":           a.Width,
		"height":          a.Height,
		"steps":           settings.Steps,
		"cfg_scale":       settings.CfgScale,
		"sampler":         settings.Sampler,
		"vae":             settings.VAE,
		"file_url":        a.FileURL,
		"thumb_url":       a.ThumbURL,
		"is_public":       a.IsPublic,
		"is_permanent":    a.IsPermanent,
		"created_at":      a.CreatedAt,
	}
}

// failGeneration maps a workflow error onto the response. User-facing
// categories surface their message verbatim; everything else is logged and
// replaced by a generic one.
func failGeneration(c *gin.Context, uid uint64, err error) {
	switch {
	case errors.Is(err, studio.ErrQuotaExceeded):
		common.Fail(c, http.StatusTooManyRequests, 42900, "You have reached today's generation limit. Please try again tomorrow.")
	case errors.Is(err, studio.ErrEmptyPrompt),
		errors.Is(err, studio.ErrPromptTooLong),
		errors.Is(err, provider.ErrInvalidModel):
		common.Fail(c, http.StatusBadRequest, 10010, provider.UserMessage(err))
	case errors.Is(err, provider.ErrGenerationFailed):
		common.Fail(c, http.StatusUnprocessableEntity, 10011, provider.UserMessage(err))
	case errors.Is(err, provider.ErrGenerationTimeout), errors.Is(err, provider.ErrProviderTimeout):
		common.Fail(c, http.StatusGatewayTimeout, 10012, provider.UserMessage(err))
	default:
		log.Printf("generation failed user=%d err=%v", uid, err)
		common.Fail(c, http.StatusBadGateway, 50010, provider.UserMessage(err))
	}
}

// CreateGeneration runs the whole workflow in-request and returns the draft
// artwork. The asset URL may still be temporary; promotion runs in the background.
func (h *Handler) CreateGeneration(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req studio.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	art, err := h.StudioSvc.Generate(c.Request.Context(), uid, req)
	if err != nil {
		failGeneration(c, uid, err)
		return
	}

	common.OK(c, gin.H{"artwork": artworkJSON(art)})
}

// CreateGenerationAsync queues the request as a task and returns its id.
func (h *Handler) CreateGenerationAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req studio.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Prompt == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "prompt required")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	taskID, err := common.NewULID()
	if err != nil {
		log.Printf("[CreateGenerationAsync] NewULID failed uid=%d err=%v", uid, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	task := &studio.GenerationTask{
		ID:             taskID,
		UserID:         uid,
		Request:        string(reqJSON),
		IdempotencyKey: idempoKeyPtr,
		Status:         studio.TaskQueued,
	}

	task, created, err := h.StudioSvc.CreateTaskOrGetExisting(c.Request.Context(), task)
	if err != nil {
		log.Printf("[CreateGenerationAsync] CreateTaskOrGetExisting failed uid=%d task=%s err=%v", uid, taskID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Enqueue only when a new task was created
	if created {
		if err := h.Tasks.PublishTask(c.Request.Context(), task.ID); err != nil {
			log.Printf("[CreateGenerationAsync] PublishTask failed uid=%d task=%s err=%v", uid, task.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"task_id": task.ID})
}

func (h *Handler) GetGenerationTask(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	taskID := c.Param("task_id")
	if taskID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "task_id required")
		return
	}

	task, err := h.StudioSvc.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "task not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if task.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "task not found")
		return
	}

	common.OK(c, gin.H{
		"task": gin.H{
			"id":         task.ID,
			"status":     task.Status,
			"artwork_id": task.ArtworkID,
			"error":      task.Error,
			"created_at": task.CreatedAt,
			"updated_at": task.UpdatedAt,
		},
	})
}

func (h *Handler) ListArtworks(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			beforeID = n
		}
	}

	arts, err := h.StudioSvc.ListArtworks(c.Request.Context(), uid, limit, beforeID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list artworks")
		return
	}

	items := make([]gin.H, 0, len(arts))
	for i := range arts {
		items = append(items, artworkJSON(&arts[i]))
	}
	var nextBeforeID uint64
	if len(arts) > 0 {
		nextBeforeID = arts[len(arts)-1].ID
	}

	common.OK(c, gin.H{
		"artworks":       items,
		"next_before_id": nextBeforeID,
	})
}

func (h *Handler) GetArtwork(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid artwork id")
		return
	}

	art, err := h.StudioSvc.GetArtwork(c.Request.Context(), uid, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "artwork not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{"artwork": artworkJSON(art)})
}

func (h *Handler) PublishArtwork(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid artwork id")
		return
	}

	art, err := h.StudioSvc.Publish(c.Request.Context(), uid, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "artwork not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{"artwork": artworkJSON(art)})
}
