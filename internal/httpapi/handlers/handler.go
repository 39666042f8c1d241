package handlers

import (
	"gorm.io/gorm"

	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/config"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/store/rabbitmq"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/studio"
)

type Handler struct {
	DB        *gorm.DB
	Cfg       config.Config
	StudioSvc *studio.Service
	Tasks     *rabbitmq.Publisher
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *studio.Service, tasks *rabbitmq.Publisher) *Handler {
	return &Handler{
		DB:        db,
		Cfg:       cfg,
		StudioSvc: svc,
		Tasks:     tasks,
	}
}
