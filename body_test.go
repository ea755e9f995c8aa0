package rnode

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRequest(method, target, body, contentType string) *Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}

	req := newRequest()
	req.httpReq = r
	req.Method = r.Method
	req.URL = r.URL
	req.Header = r.Header

	return req
}

func TestRequestJSONBody(t *testing.T) {
	req := newTestRequest(http.MethodPost, "/x", `{"name":"ann"}`, "application/json")

	var v struct {
		Name string `json:"name"`
	}
	assert.NoError(t, req.JSON(&v))
	assert.Equal(t, "ann", v.Name)
	assert.Equal(t, BodyJSON, req.BodyKind())
}

func TestRequestFormBody(t *testing.T) {
	req := newTestRequest(http.MethodPost, "/x", "a=1&b=2", "application/x-www-form-urlencoded")

	vals, err := req.FormValues()
	assert.NoError(t, err)
	assert.Equal(t, url.Values{"a": {"1"}, "b": {"2"}}, vals)
}

func TestRequestTextBody(t *testing.T) {
	req := newTestRequest(http.MethodPost, "/x", "plain text", "")

	s, err := req.Text()
	assert.NoError(t, err)
	assert.Equal(t, "plain text", s)
}

func TestRequestBodyParsedLazilyOnce(t *testing.T) {
	req := newTestRequest(http.MethodPost, "/x", `{"n":1}`, "application/json")

	assert.False(t, req.bodyRead)
	_ = req.BodyKind()
	assert.True(t, req.bodyRead)

	// Second access must not attempt to read the now-drained body again.
	kind := req.BodyKind()
	assert.Equal(t, BodyJSON, kind)
}

func TestRequestJSONRejectsNonJSONBody(t *testing.T) {
	req := newTestRequest(http.MethodPost, "/x", "a=1", "application/x-www-form-urlencoded")

	var v map[string]any
	err := req.JSON(&v)
	assert.Error(t, err)

	var herr *HTTPError
	assert.ErrorAs(t, err, &herr)
	assert.Equal(t, ErrClientParse, herr.Code)
}

func TestResolveClientIPPrefersForwardedHeader(t *testing.T) {
	h := http.Header{"X-Forwarded-For": []string{"203.0.113.9, 10.0.0.1"}}

	ip, src := resolveClientIP(h, "10.0.0.2:5555")
	assert.Equal(t, "203.0.113.9", ip)
	assert.Equal(t, ClientIPFromHeader, src)
}

func TestResolveClientIPFallsBackToPeer(t *testing.T) {
	ip, src := resolveClientIP(http.Header{}, "10.0.0.2:5555")
	assert.Equal(t, "10.0.0.2", ip)
	assert.Equal(t, ClientIPFromPeer, src)
}

func TestRequestMultipartBodyRegistersTempFileCleanup(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("upload", "note.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("title", "note"))
	require.NoError(t, w.Close())

	req := newTestRequest(http.MethodPost, "/x", buf.String(), w.FormDataContentType())
	req.res = newResponse()

	form, err := req.MultipartForm()
	assert.NoError(t, err)
	assert.Equal(t, "note", form.Fields.Get("title"))

	// parseBody must have wired release of the stdlib's spooled temp files
	// into the paired Response's deferred-function list rather than leaking
	// them past the request's lifetime.
	assert.Len(t, req.res.deferredFuncs, 1)
}

func TestParseCookiesLastWriteWins(t *testing.T) {
	h := http.Header{"Cookie": []string{"a=1; a=2; b=3"}}

	c := parseCookies(h)
	assert.Equal(t, "2", c["a"])
	assert.Equal(t, "3", c["b"])
}
