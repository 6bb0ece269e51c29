package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lfglabs-dev/api.calorily.com/controllers"
	"github.com/lfglabs-dev/api.calorily.com/metrics"
	"github.com/lfglabs-dev/api.calorily.com/middlewares"
)

// Deps are the controllers the router mounts. Devices and Dev are optional
// and their routes are skipped when nil.
type Deps struct {
	JWTSecret []byte
	Auth      *controllers.AuthController
	Meals     *controllers.MealController
	Realtime  *controllers.RealtimeController
	Devices   *controllers.DeviceController
	Dev       *controllers.DevController
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middlewares.RequestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Public auth routes
	auth := r.Group("/auth")
	{
		auth.POST("/dev", d.Auth.DevSession)
	}

	protected := r.Group("")
	protected.Use(middlewares.AuthMiddleware(d.JWTSecret))

	meals := protected.Group("/meals")
	{
		meals.POST("", d.Meals.SubmitMeal)
		meals.POST("/feedback", d.Meals.SubmitFeedback)
		meals.GET("/sync", d.Meals.SyncAnalyses)
		meals.GET("/:id", d.Meals.GetMealAnalysis)
		meals.GET("/:id/image", d.Meals.GetMealImage)
		meals.DELETE("/:id", d.Meals.DeleteMeal)
	}

	protected.GET("/ws", d.Realtime.Connect)

	if d.Devices != nil {
		user := protected.Group("/user")
		{
			user.POST("/devices", d.Devices.Register)
			user.POST("/notifications/toggle", d.Devices.ToggleNotifications)
		}
	}

	if d.Dev != nil {
		protected.POST("/dev/push", d.Dev.PushTest)
	}

	return r
}
