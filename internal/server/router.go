package server

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errMissingSessions = errors.New("server: session handler is required")

// Dependencies carries the collaborators the HTTP layer needs.
type Dependencies struct {
	Sessions *SessionHandler
	Logger   *zap.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Rooms are addressed by unguessable ids and joins are token-gated
	// when a validator is configured; browser origin is not a gate here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHTTPHandler constructs the HTTP surface: a health probe and the
// websocket endpoint every room session runs over.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
	}))

	router.GET("/healthz", func(ginContext *gin.Context) {
		ginContext.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ws", func(ginContext *gin.Context) {
		conn, err := upgrader.Upgrade(ginContext.Writer, ginContext.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := newClient(deps.Sessions, conn, logger)
		go client.WritePump()
		go client.ReadPump()
	})

	return router, nil
}
