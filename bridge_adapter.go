package rnode

import (
	"net/http"

	"github.com/rnode-server/rnode/bridge"
)

// toEnvelope captures the current state of req/res into a `bridge.RequestEnvelope`
// suitable for handing to an `Invoker`, per spec.md §6.
func toEnvelope(req *Request, res *Response) *bridge.RequestEnvelope {
	headers := map[string][]string{}
	for k, vs := range req.Header {
		headers[k] = append([]string(nil), vs...)
	}

	query := map[string][]string{}
	if req.Query == nil && req.URL != nil {
		req.Query = req.URL.Query()
	}
	for k, vs := range req.Query {
		query[k] = append([]string(nil), vs...)
	}

	params := make(map[string]string, len(req.PathParams))
	for k, v := range req.PathParams {
		params[k] = v
	}

	custom := make(map[string]any, len(req.Custom))
	for k, v := range req.Custom {
		custom[k] = v
	}

	var bodyKind string
	var body []byte
	switch req.BodyKind() {
	case BodyJSON:
		bodyKind, body = "json", req.jsonBody
	case BodyText:
		bodyKind, body = "text", req.rawBody
	case BodyForm:
		bodyKind, body = "form", req.rawBody
	case BodyBinary:
		bodyKind, body = "binary", req.rawBody
	case BodyMultipart:
		bodyKind = "multipart"
	default:
		bodyKind = "empty"
	}

	path := ""
	if req.URL != nil {
		path = req.URL.Path
	}

	deadlineMS := int64(0)
	if d := req.Deadline(); !d.IsZero() {
		if ms := d.UnixMilli(); ms > 0 {
			deadlineMS = ms
		}
	}

	return &bridge.RequestEnvelope{
		Method:     req.Method,
		Path:       path,
		PathParams: params,
		Query:      query,
		Headers:    headers,
		Cookies:    req.Cookies,
		BodyKind:   bodyKind,
		Body:       body,
		ClientIP:   req.ClientIP,
		Custom:     custom,
		DeadlineMS: deadlineMS,
	}
}

// applyEnvelope commits a settled `bridge.ResponseEnvelope` onto res, per
// spec.md §6's response-envelope write-back rules.
func applyEnvelope(res *Response, req *Request, env *bridge.ResponseEnvelope) error {
	if env.Status != 0 {
		res.Status = env.Status
	}

	for k, vs := range env.Headers {
		for _, v := range vs {
			res.AddHeader(k, v)
		}
	}

	for _, c := range env.Cookies {
		res.SetCookie(&http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: sameSiteFromString(c.SameSite),
			MaxAge:   c.MaxAge,
			Expires:  c.Expires,
			Path:     c.Path,
			Domain:   c.Domain,
		})
	}

	for k, v := range env.CustomParams {
		req.Custom[k] = v
	}

	if env.Error != "" {
		return &HTTPError{Code: ErrHandlerFailure, Status: http.StatusInternalServerError, Message: env.Error}
	}

	if env.Content == nil {
		return nil
	}

	switch c := env.Content.(type) {
	case string:
		if env.ContentType != "" {
			res.ContentType = env.ContentType
		}

		return res.WriteString(c)
	case []byte:
		if env.ContentType != "" {
			return res.WriteBinary(env.ContentType, c)
		}

		return res.WriteBytes(c)
	default:
		if env.ContentType != "" {
			res.ContentType = env.ContentType
		}

		return res.WriteJSON(c)
	}
}

func sameSiteFromString(s string) http.SameSite {
	switch s {
	case "Strict":
		return http.SameSiteStrictMode
	case "Lax":
		return http.SameSiteLaxMode
	case "None":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}

// ForeignHandler returns a `Handler` that dispatches to the handler
// registered under id on inv, awaiting settlement via the deadline carried
// on the request's context — spec.md §4.D's bridge-backed terminal handler.
func ForeignHandler(inv bridge.Invoker, id string) Handler {
	return func(req *Request, res *Response) error {
		env := toEnvelope(req, res)

		respEnv, err := inv.Invoke(req.HTTPRequest().Context(), bridge.KindHandler, id, env)
		if err != nil {
			return wrapBridgeError(err)
		}

		return applyEnvelope(res, req, respEnv)
	}
}

// ForeignGas returns a `Gas` whose step runs on inv under id before the
// chain continues, per spec.md §4.D's "middleware may run through the
// bridge too" note. A settled envelope with `NextError` set short-circuits
// the chain with that error instead of calling next. Otherwise next runs
// after the envelope is applied, unless applying it wrote a response
// (`res.Written`), which ends the chain there. `NextCalled` is not
// consulted.
func ForeignGas(inv bridge.Invoker, id string) Gas {
	return func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			env := toEnvelope(req, res)

			respEnv, err := inv.Invoke(req.HTTPRequest().Context(), bridge.KindMiddleware, id, env)
			if err != nil {
				return wrapBridgeError(err)
			}

			if applyErr := applyEnvelope(res, req, respEnv); applyErr != nil {
				return applyErr
			}

			if respEnv.NextError != "" {
				return &HTTPError{Code: ErrMiddlewareFailure, Status: http.StatusInternalServerError, Message: respEnv.NextError}
			}

			if res.Written {
				return nil
			}

			return next(req, res)
		}
	}
}

func wrapBridgeError(err error) error {
	switch err {
	case bridge.ErrTimeout:
		return &HTTPError{Code: ErrTimeout, Status: http.StatusRequestTimeout, Message: "timed out awaiting bridged handler", Cause: err}
	case bridge.ErrNotRegistered:
		return &HTTPError{Code: ErrHandlerFailure, Status: http.StatusInternalServerError, Message: "no bridged handler registered", Cause: err}
	default:
		return &HTTPError{Code: ErrHandlerFailure, Status: http.StatusInternalServerError, Message: "bridged handler failed", Cause: err}
	}
}
