package rnode

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaults(t *testing.T) {
	s := New()

	assert.Equal(t, "rnode", s.AppName)
	assert.False(t, s.DebugMode)
	assert.Equal(t, "localhost:8080", s.Address)
	assert.Equal(t, 1<<20, s.MaxHeaderBytes)
	assert.EqualValues(t, 32<<20, s.MaxRequestBodyBytes)
	assert.Zero(t, s.HandlerTimeout)
}

func TestServeHTTPRejectsOversizedBody(t *testing.T) {
	s := New()
	s.MaxRequestBodyBytes = 8

	assert.NoError(t, s.POST("/echo", func(req *Request, res *Response) error {
		_, err := req.Text()
		return err
	}))

	rw := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("this body is far too long"))
	s.ServeHTTP(rw, r)

	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestServeHTTPRoutesToHandler(t *testing.T) {
	s := New()
	assert.NoError(t, s.GET("/hello/{name}", func(req *Request, res *Response) error {
		return res.WriteString("hello " + req.Param("name"))
	}))

	rw := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/hello/world", nil)
	s.ServeHTTP(rw, r)

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "hello world", rw.Body.String())
}

func TestServeHTTPNotFound(t *testing.T) {
	s := New()

	rw := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	s.ServeHTTP(rw, r)

	assert.Equal(t, http.StatusNotFound, rw.Code)
}

func TestServeHTTPMethodNotAllowed(t *testing.T) {
	s := New()
	assert.NoError(t, s.GET("/users", noopHandler))

	rw := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/users", nil)
	s.ServeHTTP(rw, r)

	assert.Equal(t, http.StatusMethodNotAllowed, rw.Code)
	assert.Equal(t, http.MethodGet, rw.Header().Get("Allow"))
}

func TestServeHTTPGasChainRunsBeforeHandler(t *testing.T) {
	s := New()

	var order []string
	s.Gases = append(s.Gases, func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			order = append(order, "gas")
			return next(req, res)
		}
	})

	assert.NoError(t, s.GET("/x", func(req *Request, res *Response) error {
		order = append(order, "handler")
		return res.WriteString("ok")
	}))

	rw := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	s.ServeHTTP(rw, r)

	assert.Equal(t, []string{"gas", "handler"}, order)
}

func TestServeHTTPPerPathMiddlewareApplies(t *testing.T) {
	s := New()

	var ran bool
	s.Use("/admin/**", func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			ran = true
			return next(req, res)
		}
	})

	assert.NoError(t, s.GET("/admin/dashboard", func(req *Request, res *Response) error {
		return res.WriteString("ok")
	}))
	assert.NoError(t, s.GET("/public", func(req *Request, res *Response) error {
		return res.WriteString("ok")
	}))

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/public", nil))
	assert.False(t, ran)

	rw = httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil))
	assert.True(t, ran)
}

func TestServeHTTPHandlerErrorUsesCentralizedErrorHandler(t *testing.T) {
	s := New()
	assert.NoError(t, s.GET("/boom", func(req *Request, res *Response) error {
		return NewHTTPError(http.StatusBadRequest, "bad input")
	}))

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Contains(t, rw.Body.String(), "bad input")
}

func TestServeHTTPNonDebugModeHidesInternalErrorDetail(t *testing.T) {
	s := New()
	s.DebugMode = false
	assert.NoError(t, s.GET("/boom", func(req *Request, res *Response) error {
		return assertError("disk on fire")
	}))

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rw.Code)
	assert.NotContains(t, rw.Body.String(), "disk on fire")
}

func TestServeHTTPHandlerTimeoutProducesRequestTimeout(t *testing.T) {
	s := New()
	s.HandlerTimeout = 10 * time.Millisecond

	assert.NoError(t, s.GET("/slow", func(req *Request, res *Response) error {
		select {
		case <-req.HTTPRequest().Context().Done():
			return req.HTTPRequest().Context().Err()
		case <-time.After(200 * time.Millisecond):
			return res.WriteString("too slow to matter")
		}
	}))

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/slow", nil))

	assert.Equal(t, http.StatusRequestTimeout, rw.Code)
}

func TestAddAndRemoveShutdownJob(t *testing.T) {
	s := New()

	ran := false
	id := s.AddShutdownJob(func() { ran = true })
	s.RemoveShutdownJob(id)

	s.shutdownJobMu.Lock()
	job := s.shutdownJobs[id]
	s.shutdownJobMu.Unlock()

	assert.Nil(t, job)
	assert.False(t, ran)
}

type assertError string

func (e assertError) Error() string { return string(e) }
