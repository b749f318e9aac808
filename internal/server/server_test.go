package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/gogpu/nlmeans"
	"github.com/gogpu/nlmeans/backend/software"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dev := software.New(software.DefaultOptions())
	t.Cleanup(func() { dev.Close() })
	opts := nlmeans.DefaultOptions()
	opts.Radius, opts.Patch = 3, 3
	return New(dev, opts)
}

func pngBody(t *testing.T, w, h int) *bytes.Buffer {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 255 / w)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestPing(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["message"] != "pong" {
		t.Errorf("body = %s", w.Body)
	}
}

func TestDevice(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/device", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Name     string `json:"name"`
		Atomic   bool   `json:"atomic_float_add"`
		Defaults string `json:"defaults"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Name == "" || !body.Atomic || body.Defaults != "r=3:p=3:s=1:t=36" {
		t.Errorf("body = %+v", body)
	}
}

func TestDenoise(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		query  string
		status int
		ctype  string
	}{
		{"", http.StatusOK, "image/png"},
		{"?opts=r=5:p=3:s=2:t=2", http.StatusOK, "image/png"},
		{"?format=bmp", http.StatusOK, "image/bmp"},
		{"?opts=r=500", http.StatusBadRequest, ""},
		{"?format=gif", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/denoise"+tt.query, pngBody(t, 24, 16))
			s.Handler().ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body)
			}
			if tt.status != http.StatusOK {
				return
			}
			if ct := w.Header().Get("Content-Type"); ct != tt.ctype {
				t.Errorf("Content-Type = %q, want %q", ct, tt.ctype)
			}
			img, _, err := image.Decode(w.Body)
			if err != nil {
				t.Fatal(err)
			}
			if b := img.Bounds(); b.Dx() != 24 || b.Dy() != 16 {
				t.Errorf("bounds = %v", b)
			}
		})
	}
}

func TestDenoiseRejectsGarbage(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/denoise", bytes.NewBufferString("not an image")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", nlmeans.ErrInvalidOption), http.StatusBadRequest},
		{fmt.Errorf("x: %w", nlmeans.ErrInvalidFrame), http.StatusBadRequest},
		{fmt.Errorf("x: %w", nlmeans.ErrResourceAllocation), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w", nlmeans.ErrFilterFailed, nlmeans.ErrCompile), http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
