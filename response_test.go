package rnode

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseWriteStringDefaultsContentType(t *testing.T) {
	res := newResponse()
	assert.NoError(t, res.WriteString("hi"))

	rw := httptest.NewRecorder()
	assert.NoError(t, res.serialize(rw))

	assert.Equal(t, "hi", rw.Body.String())
	assert.Contains(t, rw.Header().Get("Content-Type"), "text/plain")
}

func TestResponseWriteJSON(t *testing.T) {
	res := newResponse()
	assert.NoError(t, res.WriteJSON(map[string]int{"n": 1}))

	rw := httptest.NewRecorder()
	assert.NoError(t, res.serialize(rw))

	assert.JSONEq(t, `{"n":1}`, rw.Body.String())
	assert.Contains(t, rw.Header().Get("Content-Type"), "application/json")
}

func TestResponseWriteBinaryUsesDeclaredContentType(t *testing.T) {
	res := newResponse()
	assert.NoError(t, res.WriteBinary("image/png", []byte{1, 2, 3}))

	rw := httptest.NewRecorder()
	assert.NoError(t, res.serialize(rw))

	assert.Equal(t, "image/png", rw.Header().Get("Content-Type"))
	assert.Equal(t, []byte{1, 2, 3}, rw.Body.Bytes())
}

func TestResponseSerializeIsIdempotent(t *testing.T) {
	res := newResponse()
	assert.NoError(t, res.WriteString("once"))

	rw := httptest.NewRecorder()
	assert.NoError(t, res.serialize(rw))
	assert.NoError(t, res.serialize(rw))

	assert.Equal(t, "once", rw.Body.String())
}

func TestResponseSetCookieMultiValue(t *testing.T) {
	res := newResponse()
	res.SetCookie(NewCookie("a", "1"))
	res.SetCookie(NewCookie("b", "2"))

	rw := httptest.NewRecorder()
	assert.NoError(t, res.serialize(rw))

	assert.Len(t, rw.Header().Values("Set-Cookie"), 2)
}

func TestWriteErrorBodyNegotiatesJSONByDefault(t *testing.T) {
	req := newRequest()
	req.Header = http.Header{}

	res := newResponse()
	writeErrorBody(req, res, NewHTTPError(http.StatusBadRequest, "nope"))

	rw := httptest.NewRecorder()
	assert.NoError(t, res.serialize(rw))

	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Contains(t, rw.Body.String(), `"success":false`)
	assert.Contains(t, rw.Body.String(), "nope")
}

func TestWriteErrorBodyNegotiatesHTML(t *testing.T) {
	req := newRequest()
	req.Header = http.Header{"Accept": []string{"text/html"}}

	res := newResponse()
	writeErrorBody(req, res, NewHTTPError(http.StatusNotFound, "missing"))

	rw := httptest.NewRecorder()
	assert.NoError(t, res.serialize(rw))

	assert.Contains(t, rw.Body.String(), "<html>")
	assert.Contains(t, rw.Body.String(), "missing")
}
