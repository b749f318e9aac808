// Package server exposes the denoiser over HTTP.
//
//	GET  /api/v1/ping     liveness
//	GET  /api/v1/device   device name and capabilities
//	POST /api/v1/denoise  denoise the image in the request body
//
// The denoise endpoint reads PNG, JPEG, TIFF or BMP and answers in the same
// container unless ?format= names another. ?opts= takes an option string
// such as "r=9:p=5:s=2".
package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gogpu/nlmeans"
	"github.com/gogpu/nlmeans/frame"
	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/logging"
)

// MaxBodyBytes bounds the size of an uploaded image.
const MaxBodyBytes = 64 << 20

var contentTypes = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"tiff": "image/tiff",
	"bmp":  "image/bmp",
}

// Server serves denoise requests on one device. Each request runs its own
// filter since frame geometry differs between requests.
type Server struct {
	dev      gpucore.Device
	defaults nlmeans.Options
	options  []nlmeans.Option
	router   *gin.Engine
}

// New returns a server using defaults for requests without ?opts=.
func New(dev gpucore.Device, defaults nlmeans.Options, options ...nlmeans.Option) *Server {
	s := &Server{dev: dev, defaults: defaults, options: options}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", s.getPing)
			v1.GET("/device", s.getDevice)
			v1.POST("/denoise", s.postDenoise)
		}
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on addr and serves until the listener fails.
func (s *Server) Run(addr string) error {
	logging.Logger().Info("nlmeans: serving", "addr", addr, "device", s.dev.Name())
	return s.router.Run(addr)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Logger().Debug("nlmeans: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func (s *Server) getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func (s *Server) getDevice(c *gin.Context) {
	caps := s.dev.Capabilities()
	c.JSON(http.StatusOK, gin.H{
		"name":               s.dev.Name(),
		"atomic_float_add":   caps.AtomicFloatAdd,
		"memory_model":       caps.MemoryModel,
		"max_workgroup_size": caps.MaxWorkgroupSize,
		"max_shared_memory":  caps.MaxSharedMemory,
		"defaults":           s.defaults.String(),
	})
}

func (s *Server) postDenoise(c *gin.Context) {
	opts := s.defaults
	if q := c.Query("opts"); q != "" {
		var err error
		if opts, err = nlmeans.ParseOptions(q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	in, container, err := frame.Decode(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f := c.Query("format"); f != "" {
		container = f
	}
	ct, ok := contentTypes[container]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported format %q", container)})
		return
	}

	f, err := nlmeans.New(s.dev, opts, s.options...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	out, err := f.Process(c.Request.Context(), in)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	var buf bytes.Buffer
	if err := frame.Encode(&buf, out, container); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if cfg, ok := f.Config(); ok {
		c.Header("X-Nlmeans-Options", opts.String())
		c.Header("X-Nlmeans-Dispatches", fmt.Sprint(cfg.Dispatches))
	}
	c.Data(http.StatusOK, ct, buf.Bytes())
}

// statusOf maps the filter error taxonomy to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, nlmeans.ErrInvalidOption), errors.Is(err, nlmeans.ErrInvalidFrame):
		return http.StatusBadRequest
	case errors.Is(err, nlmeans.ErrResourceAllocation):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
