package studio

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateArtwork(ctx context.Context, a *Artwork) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) GetArtworkByID(ctx context.Context, id uint64) (*Artwork, error) {
	var a Artwork
	if err := r.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListArtworks returns a user's artworks in DESC id order (newest -> oldest).
func (r *Repo) ListArtworks(ctx context.Context, userID uint64, limit int, beforeID uint64) ([]Artwork, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var arts []Artwork
	if err := q.Find(&arts).Error; err != nil {
		return nil, err
	}
	return arts, nil
}

// PromoteArtwork rewrites the URL fields to their permanent location and
// grants visibility. Last write wins; the only other writer is the creating
// request, and promotion only moves state forward.
func (r *Repo) PromoteArtwork(ctx context.Context, id uint64, fileURL, thumbURL string) error {
	updates := map[string]any{
		"is_public":    true,
		"is_permanent": true,
	}
	// never null out an existing URL
	if fileURL != "" {
		updates["file_url"] = fileURL
	}
	if thumbURL != "" {
		updates["thumb_url"] = thumbURL
	}
	return r.db.WithContext(ctx).Model(&Artwork{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// MarkArtworkPublic flips visibility on. There is deliberately no way back:
// the flag is a one-way transition.
func (r *Repo) MarkArtworkPublic(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Model(&Artwork{}).
		Where("id = ?", id).
		Update("is_public", true).Error
}

// Task CRUD
func (r *Repo) CreateTask(ctx context.Context, task *GenerationTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *Repo) GetTaskByID(ctx context.Context, id string) (*GenerationTask, error) {
	var t GenerationTask
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) UpdateTaskStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&GenerationTask{}).
		Where("id = ? AND status = ?", id, TaskQueued).
		Update("status", TaskRunning).Error
}

func (r *Repo) MarkTaskSucceeded(ctx context.Context, id string, artworkID uint64) error {
	return r.db.WithContext(ctx).Model(&GenerationTask{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     TaskSucceeded,
			"artwork_id": artworkID,
			"error":      nil,
		}).Error
}

func (r *Repo) MarkTaskFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&GenerationTask{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     TaskFailed,
			"error":      errMsg,
			"artwork_id": nil,
		}).Error
}

func (r *Repo) GetTaskByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*GenerationTask, error) {
	var t GenerationTask
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTaskOrGetExisting tries to create a task, but if the idempotency key
// already exists for this user, it returns the existing task instead.
func (r *Repo) CreateTaskOrGetExisting(ctx context.Context, task *GenerationTask) (*GenerationTask, bool, error) {
	if task.IdempotencyKey == nil || *task.IdempotencyKey == "" {
		task.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
			return nil, false, err
		}
		return task, true, nil
	}

	err := r.db.WithContext(ctx).Create(task).Error
	if err == nil {
		return task, true, nil
	}

	existing, getErr := r.GetTaskByUserAndIdempotencyKey(ctx, task.UserID, *task.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
