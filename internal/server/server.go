package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/slowbreak/internal/auth"
	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Session is the engine surface the admin API drives.
type Session interface {
	Status() session.Status
	Logout(reason string)
	Disconnect()
}

// Admin serves health, status and metrics for one session engine.
type Admin struct {
	Name     string
	Addr     string
	Appeared time.Time

	session Session
	guard   auth.Validator
	router  *gin.Engine
	http    *http.Server
}

// New builds the admin router. A nil guard leaves the session control
// routes open.
func New(name, addr string, sess Session, guard auth.Validator) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(log.Logger, name))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		Name:     name,
		Addr:     addr,
		Appeared: time.Now(),
		session:  sess,
		guard:    guard,
		router:   r,
	}
	a.RegisterRoutes()
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

// Serve blocks until Shutdown. A clean shutdown returns nil.
func (a *Admin) Serve() error {
	a.http = &http.Server{
		Addr:              a.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", a.Addr).Msg("server.Admin.Serve listening")
	if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Admin) Shutdown(ctx context.Context) error {
	if a.http == nil {
		return nil
	}
	return a.http.Shutdown(ctx)
}

func (a *Admin) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.guard == nil {
			c.Next()
			return
		}
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err == nil {
			err = a.guard.Validate(token)
		}
		if err != nil {
			log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("server.Admin rejected control request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
