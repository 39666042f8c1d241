package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/common"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/config"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/httpapi/handlers"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/httpapi/middleware"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/store/rabbitmq"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/studio"
)

func NewRouter(db *gorm.DB, cfg config.Config, svc *studio.Service, tasks *rabbitmq.Publisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, svc, tasks)

	r.GET("/ping", func(c *gin.Context) {
		common.OK(c, gin.H{"pong": true})
	})

	// users
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// image studio (JWT required)
	authGroup.POST("/studio/generations", h.CreateGeneration)
	authGroup.POST("/studio/generations/async", h.CreateGenerationAsync)
	authGroup.GET("/studio/tasks/:task_id", h.GetGenerationTask)
	authGroup.GET("/studio/artworks", h.ListArtworks)
	authGroup.GET("/studio/artworks/:id", h.GetArtwork)
	authGroup.POST("/studio/artworks/:id/publish", h.PublishArtwork)

	return r
}
