package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type logoutRequest struct {
	Reason string `json:"reason"`
}

func (a *Admin) RegisterRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.Name,
			"version": "0.0.1",
		})
	})

	// ready means a generation is logged on
	a.router.GET("/ready", func(c *gin.Context) {
		st := a.session.Status()
		code := http.StatusOK
		if !st.LoggedOn {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   st.LoggedOn,
			"service": a.Name,
		})
	})

	a.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.session.Status())
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	control := a.router.Group("/session", a.requireToken())
	control.POST("/logout", func(c *gin.Context) {
		var req logoutRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		a.session.Logout(req.Reason)
		c.JSON(http.StatusAccepted, gin.H{"status": "logout requested"})
	})

	control.POST("/disconnect", func(c *gin.Context) {
		a.session.Disconnect()
		c.JSON(http.StatusAccepted, gin.H{"status": "disconnect requested"})
	})
}
