package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/provider"
)

var (
	ErrEmptyPrompt = errors.New("prompt is required")

	// ErrPromptTooLong means the estimated token count exceeds the model ceiling.
	ErrPromptTooLong = errors.New("prompt exceeds the token limit")

	ErrQuotaExceeded = errors.New("daily generation limit reached")
)

// Generator produces a raw output payload for a generation request.
// Implemented by provider.Client; substituted in tests.
type Generator interface {
	Generate(ctx context.Context, model string, input provider.GenerationInput) (json.RawMessage, error)
}

// AssetPromoter re-uploads a temporary asset to permanent storage.
type AssetPromoter interface {
	Promote(ctx context.Context, srcURL string, width, height int) (fileURL, thumbURL string, err error)
}

// Quota reserves one generation for the user; false means the budget is spent.
type Quota interface {
	Take(ctx context.Context, userID uint64) (bool, error)
}

type GenerateRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Model          string  `json:"model,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CfgScale       float64 `json:"cfg_scale,omitempty"`
	Sampler        string  `json:"sampler,omitempty"`
	VAE            string  `json:"vae,omitempty"`
}

type Service struct {
	repo         *Repo
	gen          Generator
	promoter     AssetPromoter
	quota        Quota
	defaultModel string

	promotions sync.WaitGroup
}

// NewService wires the workflow. quota may be nil (no limit enforced).
func NewService(repo *Repo, gen Generator, promoter AssetPromoter, quota Quota, defaultModel string) *Service {
	if defaultModel == "" {
		defaultModel = "stable-diffusion"
	}
	return &Service{
		repo:         repo,
		gen:          gen,
		promoter:     promoter,
		quota:        quota,
		defaultModel: defaultModel,
	}
}

func (s *Service) applyDefaults(req *GenerateRequest) {
	if req.Model == "" {
		req.Model = s.defaultModel
	}
	if req.Width <= 0 {
		req.Width = 768
	}
	if req.Height <= 0 {
		req.Height = 768
	}
	if req.Steps <= 0 {
		req.Steps = 30
	}
	if req.CfgScale <= 0 {
		req.CfgScale = 7.5
	}
}

// Generate runs the full workflow: validate, submit, wait, normalize, persist,
// then kick off promotion without blocking the caller.
func (s *Service) Generate(ctx context.Context, userID uint64, req GenerateRequest) (*Artwork, error) {
	// 1) validate before any provider call
	if req.Prompt == "" {
		return nil, ErrEmptyPrompt
	}
	s.applyDefaults(&req)

	if n := EstimateTokens(req.Prompt); n > maxPromptTokens {
		return nil, fmt.Errorf("%w: prompt ~%d tokens (max %d)", ErrPromptTooLong, n, maxPromptTokens)
	}
	if n := EstimateTokens(req.NegativePrompt); n > maxNegativeTokens {
		return nil, fmt.Errorf("%w: negative prompt ~%d tokens (max %d)", ErrPromptTooLong, n, maxNegativeTokens)
	}

	// 2) reserve quota
	if s.quota != nil {
		allowed, err := s.quota.Take(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrQuotaExceeded
		}
	}

	// 3) submit and wait for the prediction. The poll loop, and the persist
	// that follows it, run to their own completion even if the caller goes
	// away: a finished generation must never be dropped on the floor.
	genCtx := context.WithoutCancel(ctx)
	raw, err := s.gen.Generate(genCtx, req.Model, provider.GenerationInput{
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		Width:             req.Width,
		Height:            req.Height,
		NumInferenceSteps: req.Steps,
		GuidanceScale:     req.CfgScale,
		Scheduler:         req.Sampler,
		VAE:               req.VAE,
	})
	if err != nil {
		return nil, err
	}

	// 4) normalize the heterogeneous output into one asset URL
	assetURL, err := provider.ExtractAssetURL(raw)
	if err != nil {
		return nil, err
	}

	// 5) persist the draft record; prompts are silently capped at the storage
	// bound (the token check already ran, so this only trims raw length)
	art := &Artwork{
		UserID:         userID,
		Prompt:         truncateRunes(req.Prompt, maxPromptChars),
		NegativePrompt: truncateRunes(req.NegativePrompt, maxNegativeChars),
		Model:          req.Model,
		Width:          req.Width,
		Height:         req.Height,
		Settings: Settings{
			Steps:    req.Steps,
			CfgScale: req.CfgScale,
			Sampler:  req.Sampler,
			VAE:      req.VAE,
		}.Encode(),
		FileURL:  assetURL,
		ThumbURL: assetURL,
		IsPublic: false,
	}
	if err := s.repo.CreateArtwork(genCtx, art); err != nil {
		return nil, err
	}

	// 6) fire-and-forget promotion
	s.promotions.Add(1)
	go s.promote(art.ID, art.FileURL, art.Width, art.Height)

	return art, nil
}

// promote finalizes storage for one artwork. Failures are logged and swallowed:
// the caller already has a usable temporary URL, so availability wins over
// storage consistency here.
func (s *Service) promote(artworkID uint64, srcURL string, width, height int) {
	defer s.promotions.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fileURL, thumbURL, err := s.promoter.Promote(ctx, srcURL, width, height)
	if err != nil {
		log.Printf("promotion failed artwork=%d src=%s err=%v", artworkID, srcURL, err)
		return
	}
	if err := s.repo.PromoteArtwork(ctx, artworkID, fileURL, thumbURL); err != nil {
		log.Printf("promotion update failed artwork=%d err=%v", artworkID, err)
	}
}

// Drain waits for in-flight promotions. Called on shutdown.
func (s *Service) Drain() {
	s.promotions.Wait()
}

// Publish force-flips visibility on at the owner's request. If the artwork is
// still on its temporary URL, promotion is retried synchronously first, but a
// failed retry does not block publication.
func (s *Service) Publish(ctx context.Context, userID uint64, artworkID uint64) (*Artwork, error) {
	art, err := s.repo.GetArtworkByID(ctx, artworkID)
	if err != nil {
		return nil, err
	}
	if art.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}

	if !art.IsPermanent {
		fileURL, thumbURL, perr := s.promoter.Promote(ctx, art.FileURL, art.Width, art.Height)
		if perr != nil {
			log.Printf("publish promotion failed artwork=%d err=%v", artworkID, perr)
		} else if uerr := s.repo.PromoteArtwork(ctx, artworkID, fileURL, thumbURL); uerr != nil {
			log.Printf("publish promotion update failed artwork=%d err=%v", artworkID, uerr)
		}
	}

	if err := s.repo.MarkArtworkPublic(ctx, artworkID); err != nil {
		return nil, err
	}
	return s.repo.GetArtworkByID(ctx, artworkID)
}

// GetArtwork returns an artwork visible to the given user: their own, or any
// public one. Everything else reads as not found.
func (s *Service) GetArtwork(ctx context.Context, userID uint64, artworkID uint64) (*Artwork, error) {
	art, err := s.repo.GetArtworkByID(ctx, artworkID)
	if err != nil {
		return nil, err
	}
	if art.UserID != userID && !art.IsPublic {
		return nil, gorm.ErrRecordNotFound
	}
	return art, nil
}

func (s *Service) ListArtworks(ctx context.Context, userID uint64, limit int, beforeID uint64) ([]Artwork, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListArtworks(ctx, userID, limit, beforeID)
}

func (s *Service) CreateTaskOrGetExisting(ctx context.Context, task *GenerationTask) (*GenerationTask, bool, error) {
	return s.repo.CreateTaskOrGetExisting(ctx, task)
}

func (s *Service) GetTask(ctx context.Context, taskID string) (*GenerationTask, error) {
	return s.repo.GetTaskByID(ctx, taskID)
}

// RunTask executes a queued generation task. Called by the worker.
func (s *Service) RunTask(ctx context.Context, taskID string) error {
	// status writes must land even when the worker is shutting down
	// mid-generation, otherwise the task is stranded in running forever
	ctx = context.WithoutCancel(ctx)

	_ = s.repo.UpdateTaskStatusRunning(ctx, taskID)

	task, err := s.repo.GetTaskByID(ctx, taskID)
	if err != nil {
		return err
	}

	var req GenerateRequest
	if err := json.Unmarshal([]byte(task.Request), &req); err != nil {
		_ = s.repo.MarkTaskFailed(ctx, taskID, "malformed task request")
		return err
	}

	art, err := s.Generate(ctx, task.UserID, req)
	if err != nil {
		_ = s.repo.MarkTaskFailed(ctx, taskID, err.Error())
		return err
	}
	return s.repo.MarkTaskSucceeded(ctx, taskID, art.ID)
}
