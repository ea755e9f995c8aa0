package rnode

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func noopHandler(req *Request, res *Response) error { return nil }

func TestRouteTableRegisterAndMatchStatic(t *testing.T) {
	rt := NewRouteTable()

	assert.NoError(t, rt.Register(http.MethodGet, "/users", noopHandler))

	m := rt.Match(http.MethodGet, "/users")
	assert.Equal(t, MatchFound, m.Outcome)
	assert.NotNil(t, m.Handler)
}

func TestRouteTableParamAndGreedy(t *testing.T) {
	rt := NewRouteTable()

	assert.NoError(t, rt.Register(http.MethodGet, "/users/{id}", noopHandler))
	assert.NoError(t, rt.Register(http.MethodGet, "/assets/{*rest}", noopHandler))

	m := rt.Match(http.MethodGet, "/users/42")
	assert.Equal(t, MatchFound, m.Outcome)
	assert.Equal(t, "42", m.Params["id"])

	m = rt.Match(http.MethodGet, "/assets/css/app.css")
	assert.Equal(t, MatchFound, m.Outcome)
	assert.Equal(t, "css/app.css", m.Params["rest"])
}

func TestRouteTableStaticBeatsParam(t *testing.T) {
	rt := NewRouteTable()

	assert.NoError(t, rt.Register(http.MethodGet, "/users/{id}", noopHandler))
	assert.NoError(t, rt.Register(http.MethodGet, "/users/me", noopHandler))

	m := rt.Match(http.MethodGet, "/users/me")
	assert.Equal(t, MatchFound, m.Outcome)
	assert.Empty(t, m.Params["id"])
}

func TestRouteTableMethodNotAllowed(t *testing.T) {
	rt := NewRouteTable()
	assert.NoError(t, rt.Register(http.MethodGet, "/users", noopHandler))

	m := rt.Match(http.MethodPost, "/users")
	assert.Equal(t, MatchMethodNotAllowed, m.Outcome)
	assert.Equal(t, []string{http.MethodGet}, m.Allowed)
}

func TestRouteTableNotFound(t *testing.T) {
	rt := NewRouteTable()
	assert.NoError(t, rt.Register(http.MethodGet, "/users", noopHandler))

	m := rt.Match(http.MethodGet, "/nowhere")
	assert.Equal(t, MatchNotFound, m.Outcome)
}

func TestRouteTableAnyFallback(t *testing.T) {
	rt := NewRouteTable()
	assert.NoError(t, rt.Register("ANY", "/ping", noopHandler))

	m := rt.Match(http.MethodGet, "/ping")
	assert.Equal(t, MatchFound, m.Outcome)

	m = rt.Match(http.MethodPost, "/ping")
	assert.Equal(t, MatchFound, m.Outcome)
}

func TestRouteTableDuplicateRejected(t *testing.T) {
	rt := NewRouteTable()
	assert.NoError(t, rt.Register(http.MethodGet, "/users/{id}", noopHandler))

	err := rt.Register(http.MethodGet, "/users/{userID}", noopHandler)
	assert.Error(t, err)

	var dup *ErrDuplicateRoute
	assert.ErrorAs(t, err, &dup)
}

func TestRouteTableRejectsMalformedPattern(t *testing.T) {
	rt := NewRouteTable()

	assert.Error(t, rt.Register(http.MethodGet, "users", noopHandler))
	assert.Error(t, rt.Register(http.MethodGet, "/users/", noopHandler))
	assert.Error(t, rt.Register(http.MethodGet, "/users//profile", noopHandler))
	assert.Error(t, rt.Register(http.MethodGet, "/assets/{*rest}/extra", noopHandler))
}

func TestRouteTablePercentDecodesParams(t *testing.T) {
	rt := NewRouteTable()
	assert.NoError(t, rt.Register(http.MethodGet, "/search/{term}", noopHandler))

	m := rt.Match(http.MethodGet, "/search/a%2Fb")
	assert.Equal(t, MatchFound, m.Outcome)
	assert.Equal(t, "a/b", m.Params["term"])
}
