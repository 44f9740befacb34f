package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"RayRelay/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxUpload = 32 << 20

// Router maps every path to the device protocol; the device does not use paths.
func (r *Relay) Router() *gin.Engine {
	g := gin.New()
	g.Use(AccessLog(), gin.CustomRecovery(func(c *gin.Context, err any) {
		logger.Log().Error("request panic", zap.Any("panic", err), zap.String("path", c.Request.URL.Path))
		c.String(http.StatusInternalServerError, "internal error")
	}))
	g.PUT("/*path", r.handlePut)
	g.POST("/*path", r.handlePost)
	g.GET("/*path", r.handleGet)
	return g
}

func (r *Relay) handlePut(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload))
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %v", err)
		return
	}
	if _, err := r.Upload(body); err != nil {
		logger.Log().Warn("upload rejected", zap.Int("bytes", len(body)), zap.Error(err))
		if errors.Is(err, ErrUpload) {
			c.String(http.StatusBadRequest, "%s", err.Error())
			return
		}
		c.String(http.StatusInternalServerError, "%s", err.Error())
		return
	}
	c.String(http.StatusOK, ReplyGood)
}

func (r *Relay) handlePost(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload))
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %v", err)
		return
	}
	code, reply := r.Dispatch(c.Request.Context(), string(body))
	c.String(code, "%s", reply)
}

func (r *Relay) handleGet(c *gin.Context) {
	c.String(http.StatusOK, ReplyGood)
}

// AccessLog writes one zap entry per request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusBadRequest {
			logger.Log().Warn("request", fields...)
			return
		}
		logger.Log().Debug("request", fields...)
	}
}

// Serve runs the device server on port until ctx ends.
func Serve(ctx context.Context, port int, handler http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Log().Info("device server listening", zap.Int("port", port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
