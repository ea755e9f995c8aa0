package rnode

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupPrefixesRoutesAndChainsGases(t *testing.T) {
	s := New()

	var order []string
	admin := s.Group("/admin", func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			order = append(order, "group-gas")
			return next(req, res)
		}
	})

	assert.NoError(t, admin.GET("/dashboard", func(req *Request, res *Response) error {
		order = append(order, "handler")
		return res.WriteString("ok")
	}))

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil))

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, []string{"group-gas", "handler"}, order)
}

func TestNestedGroupInheritsParentGases(t *testing.T) {
	s := New()

	var order []string
	api := s.Group("/api", func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			order = append(order, "api")
			return next(req, res)
		}
	})
	v1 := api.Group("/v1", func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			order = append(order, "v1")
			return next(req, res)
		}
	})

	assert.NoError(t, v1.GET("/ping", func(req *Request, res *Response) error {
		order = append(order, "handler")
		return res.WriteString("pong")
	}))

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))

	assert.Equal(t, []string{"api", "v1", "handler"}, order)
}
