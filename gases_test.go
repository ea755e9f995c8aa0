package rnode

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGasTestRequest(method, target string) *Request {
	httpReq := httptest.NewRequest(method, target, nil)

	req := newRequest()
	req.Method = httpReq.Method
	req.URL = httpReq.URL
	req.Header = httpReq.Header
	req.httpReq = httpReq

	return req
}

func TestRecoverConvertsPanicToError(t *testing.T) {
	gas := Recover()

	handler := gas(func(req *Request, res *Response) error {
		panic("boom")
	})

	err := handler(newGasTestRequest(http.MethodGet, "/"), newResponse())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRecoverPassesThroughNormalReturn(t *testing.T) {
	gas := Recover()

	handler := gas(func(req *Request, res *Response) error {
		return nil
	})

	assert.NoError(t, handler(newGasTestRequest(http.MethodGet, "/"), newResponse()))
}

func TestRecoverPropagatesNonPanicError(t *testing.T) {
	gas := Recover()
	want := errors.New("handler failed")

	handler := gas(func(req *Request, res *Response) error {
		return want
	})

	err := handler(newGasTestRequest(http.MethodGet, "/"), newResponse())
	assert.Equal(t, want, err)
}

func TestCORSSetsAllowOriginWhenOriginPresent(t *testing.T) {
	gas := CORS()

	req := newGasTestRequest(http.MethodGet, "/")
	req.Header.Set("Origin", "https://example.com")
	res := newResponse()

	handler := gas(func(req *Request, res *Response) error { return nil })
	require.NoError(t, handler(req, res))

	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", res.Header.Get("Vary"))
}

func TestCORSSkipsWithoutOriginHeader(t *testing.T) {
	gas := CORS()

	req := newGasTestRequest(http.MethodGet, "/")
	res := newResponse()

	handler := gas(func(req *Request, res *Response) error { return nil })
	require.NoError(t, handler(req, res))

	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSRejectsDisallowedOrigin(t *testing.T) {
	gas := CORSWithConfig(CORSConfig{AllowOrigins: []string{"https://allowed.example"}})

	req := newGasTestRequest(http.MethodGet, "/")
	req.Header.Set("Origin", "https://evil.example")
	res := newResponse()

	handler := gas(func(req *Request, res *Response) error { return nil })
	require.NoError(t, handler(req, res))

	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestSecureSetsDefaultHeaders(t *testing.T) {
	gas := Secure()

	req := newGasTestRequest(http.MethodGet, "/")
	res := newResponse()

	handler := gas(func(req *Request, res *Response) error { return nil })
	require.NoError(t, handler(req, res))

	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", res.Header.Get("X-Frame-Options"))
	assert.Empty(t, res.Header.Get("Strict-Transport-Security"))
}

func TestSecureSetsHSTSOverTLS(t *testing.T) {
	gas := SecureWithConfig(SecureConfig{HSTSMaxAge: 3600})

	req := newGasTestRequest(http.MethodGet, "/")
	req.Header.Set("X-Forwarded-Proto", "https")
	res := newResponse()

	handler := gas(func(req *Request, res *Response) error { return nil })
	require.NoError(t, handler(req, res))

	assert.Contains(t, res.Header.Get("Strict-Transport-Security"), "max-age=3600")
}

func TestRequestLoggerWritesRenderedLine(t *testing.T) {
	var out bytesBuffer

	gas := RequestLoggerWithConfig(RequestLoggerConfig{
		Format: "${method} ${path} ${status}\n",
		Output: &out,
	})

	req := newGasTestRequest(http.MethodGet, "/hello")
	res := newResponse()
	res.Status = http.StatusTeapot

	handler := gas(func(req *Request, res *Response) error { return nil })
	require.NoError(t, handler(req, res))

	assert.Equal(t, "GET /hello 418\n", out.String())
}

// bytesBuffer is a tiny io.Writer sink, avoiding a bytes.Buffer import just
// for one test helper.
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesBuffer) String() string { return string(b.data) }
