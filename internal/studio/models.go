package studio

import (
	"encoding/json"
	"time"
)

// Artwork is a persisted generation result. The file URL starts out pointing
// at the provider's temporary location; the promotion workflow later rewrites
// it to permanent storage and flips visibility.
type Artwork struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         uint64    `gorm:"index;not null" json:"user_id"`
	Title          string    `gorm:"type:varchar(120)" json:"title"`
	Description    string    `gorm:"type:text" json:"description"`
	Prompt         string    `gorm:"type:text;not null" json:"prompt"`
	NegativePrompt string    `gorm:"type:text" json:"negative_prompt"`
	Model          string    `gorm:"type:varchar(64);not null" json:"model"`
	Width          int       `gorm:"not null" json:"width"`
	Height         int       `gorm:"not null" json:"height"`
	Settings       string    `gorm:"type:text" json:"-"`
	FileURL        string    `gorm:"type:varchar(512);not null" json:"file_url"`
	ThumbURL       string    `gorm:"type:varchar(512)" json:"thumb_url"`
	IsPublic       bool      `gorm:"index;not null;default:false" json:"is_public"`
	IsPermanent    bool      `gorm:"not null;default:false" json:"is_permanent"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Artwork) TableName() string { return "studio_artworks" }

// Settings is the generation-parameter blob stored on an artwork. It is opaque
// to the persistence layer and only decoded for display.
type Settings struct {
	Steps    int     `json:"steps"`
	CfgScale float64 `json:"cfg_scale"`
	Sampler  string  `json:"sampler,omitempty"`
	VAE      string  `json:"vae,omitempty"`
}

func (s Settings) Encode() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (a *Artwork) DecodeSettings() Settings {
	var s Settings
	_ = json.Unmarshal([]byte(a.Settings), &s)
	return s
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// GenerationTask is an asynchronously executed generation request, consumed by
// the worker. Distinct from the provider-side prediction: a task wraps the
// whole workflow including persistence and promotion kickoff.
type GenerationTask struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID uint64 `gorm:"not null;index;index:uniq_task_user_idempo,unique,priority:1"`

	// request parameters, serialized GenerateRequest
	Request string `gorm:"type:text;not null"`

	// deduplication is per user: two users may reuse the same client key
	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_task_user_idempo,unique,priority:2" json:"idempotency_key"`

	Status TaskStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ArtworkID *uint64 `gorm:"index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (GenerationTask) TableName() string { return "studio_generation_tasks" }
