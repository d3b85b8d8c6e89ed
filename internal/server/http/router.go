package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"taskexec/internal/observability"
	"taskexec/internal/server/app"
	"taskexec/internal/worker"
)

// RouterDeps carries the injected services the router wires to handlers.
type RouterDeps struct {
	Tasks         *app.TaskService
	Workers       *app.WorkerService
	Conversations *app.ConversationService
	Health        *app.HealthService
	Manager       *worker.Manager
	Logger        *observability.Logger
	Metrics       *observability.MetricsCollector
	Version       string
	Environment   string
	Debug         bool
}

// NewRouter builds the gin engine with all routes mounted under /api/v1.
func NewRouter(deps RouterDeps) *gin.Engine {
	if !deps.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestIDMiddleware())
	if deps.Logger != nil {
		engine.Use(LoggingMiddleware(deps.Logger))
	}
	engine.Use(MetricsMiddleware(deps.Metrics))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With", requestIDHeader}
	engine.Use(cors.New(corsConfig))

	tasks := NewTaskHandler(deps.Tasks)
	workers := NewWorkerHandler(deps.Workers, deps.Manager)
	conversations := NewConversationHandler(deps.Conversations)
	system := NewSystemHandler(deps.Health, deps.Version, deps.Environment)

	engine.GET("/", system.Root)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/tasks", tasks.Create)
		v1.GET("/tasks", tasks.List)
		v1.GET("/tasks/stats", tasks.Stats)
		v1.GET("/tasks/:task_id", tasks.Get)
		v1.POST("/tasks/:task_id/cancel", tasks.Cancel)
		v1.GET("/tasks/:task_id/logs", tasks.Logs)

		v1.POST("/workers/register", workers.Register)
		v1.GET("/workers", workers.List)
		v1.GET("/workers/internal/status", workers.PoolStatus)
		v1.POST("/workers/internal/scale", workers.PoolScale)
		v1.POST("/workers/internal/start", workers.PoolStart)
		v1.POST("/workers/internal/stop", workers.PoolStop)
		v1.GET("/workers/:worker_id", workers.Get)
		v1.POST("/workers/:worker_id/heartbeat", workers.Heartbeat)
		v1.POST("/workers/:worker_id/claim", workers.Claim)
		v1.POST("/workers/:worker_id/tasks/:task_id/complete", workers.Complete)
		v1.POST("/workers/:worker_id/tasks/:task_id/fail", workers.Fail)
		v1.GET("/workers/:worker_id/stats", workers.Stats)

		v1.GET("/llm-conversations", conversations.List)
		v1.GET("/llm-conversations/stats/summary", conversations.Stats)
		v1.GET("/llm-conversations/task/:task_id/conversations", conversations.ByTask)
		v1.GET("/llm-conversations/:conversation_id", conversations.Get)
		v1.GET("/llm-conversations/:conversation_id/messages", conversations.Messages)

		v1.GET("/health", system.Health)
		v1.GET("/queue/stats", tasks.QueueStats)
		v1.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{
			Error: errorDetail{
				Kind:    "NotFound",
				Message: "no such route",
			},
			RequestID: requestID(c),
		})
	})

	return engine
}
