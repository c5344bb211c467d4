package auth

import "github.com/gin-gonic/gin"

// RegisterRoutes registers Auth routes
func RegisterRoutes(r *gin.Engine, handler *Handler) {
	authGroup := r.Group("/auth")
	{
		authGroup.GET("/ping", handler.Ping)
		authGroup.POST("/token", handler.Token)
		authGroup.GET("/me", Middleware(handler.issuer), handler.Me)
	}
}
