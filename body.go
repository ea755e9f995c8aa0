package rnode

import (
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// maxMemoryMultipartBytes bounds how much of a multipart body is buffered in
// memory before the stdlib spools remaining parts to temp files, mirroring
// the teacher's `ParseForm`-adjacent sizing in `binder.go`.
const maxMemoryMultipartBytes = 32 << 20

// parseBody dispatches the request body to the correct tagged variant based
// on its Content-Type, per spec.md §4.C step 1.
func parseBody(r *Request) error {
	if r.httpReq == nil || r.httpReq.Body == nil || r.httpReq.ContentLength == 0 {
		r.bodyKind = BodyEmpty
		return nil
	}

	ctype := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(ctype)

	switch {
	case strings.HasPrefix(mediaType, "application/json"):
		b, err := io.ReadAll(r.httpReq.Body)
		if err != nil {
			return &HTTPError{Code: ErrClientParse, Status: http.StatusBadRequest, Message: "failed to read body", Cause: err}
		}

		r.bodyKind = BodyJSON
		r.rawBody = b
		r.jsonBody = b

		return nil

	case mediaType == "application/x-www-form-urlencoded":
		b, err := io.ReadAll(r.httpReq.Body)
		if err != nil {
			return &HTTPError{Code: ErrClientParse, Status: http.StatusBadRequest, Message: "failed to read body", Cause: err}
		}

		form, err := url.ParseQuery(string(b))
		if err != nil {
			return &HTTPError{Code: ErrClientParse, Status: http.StatusBadRequest, Message: "malformed form body", Cause: err}
		}

		r.bodyKind = BodyForm
		r.rawBody = b
		r.form = form

		return nil

	case mediaType == "multipart/form-data":
		if err := r.httpReq.ParseMultipartForm(maxMemoryMultipartBytes); err != nil {
			return &HTTPError{Code: ErrClientParse, Status: http.StatusBadRequest, Message: "malformed multipart body", Cause: err}
		}

		if r.res != nil && r.httpReq.MultipartForm != nil {
			form := r.httpReq.MultipartForm
			r.res.OnWritten(func() { form.RemoveAll() })
		}

		mb := &MultipartBody{Fields: url.Values{}, Files: map[string]*UploadedFile{}}
		if r.httpReq.MultipartForm != nil {
			for k, vs := range r.httpReq.MultipartForm.Value {
				mb.Fields[k] = vs
			}

			for field, headers := range r.httpReq.MultipartForm.File {
				if len(headers) == 0 {
					continue
				}

				uf, err := fileFromHeader(headers[0])
				if err != nil {
					return err
				}

				mb.Files[field] = uf
			}
		}

		r.bodyKind = BodyMultipart
		r.multipart = mb
		r.Files = mb.Files

		return nil

	case mediaType == "" || mediaType == "text/plain":
		b, err := io.ReadAll(r.httpReq.Body)
		if err != nil {
			return &HTTPError{Code: ErrClientParse, Status: http.StatusBadRequest, Message: "failed to read body", Cause: err}
		}

		r.bodyKind = BodyText
		r.rawBody = b

		return nil

	default:
		b, err := io.ReadAll(r.httpReq.Body)
		if err != nil {
			return &HTTPError{Code: ErrClientParse, Status: http.StatusBadRequest, Message: "failed to read body", Cause: err}
		}

		ct := mediaType
		if ct == "" {
			ct = ctype
		} else if len(params) > 0 {
			ct = ctype
		}

		r.bodyKind = BodyBinary
		r.rawBody = b
		r.binary = &BinaryBody{ContentType: ct, Bytes: b}

		return nil
	}
}

// parseCookies parses the "Cookie" header into a name->value map,
// last-write-wins on duplicate names per spec.md §6.
func parseCookies(header http.Header) map[string]string {
	out := map[string]string{}

	for _, line := range header.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}

			eq := strings.IndexByte(part, '=')
			if eq < 0 {
				continue
			}

			name := strings.TrimSpace(part[:eq])
			value := strings.TrimSpace(part[eq+1:])
			if v, err := url.QueryUnescape(value); err == nil {
				value = v
			}

			out[name] = value
		}
	}

	return out
}

// clientIPHeaders is the ordered list of headers consulted for the client
// IP before falling back to the peer address, per spec.md §4.C step 2.
var clientIPHeaders = []string{"X-Forwarded-For", "X-Real-IP"}

// resolveClientIP extracts the client IP and its provenance.
func resolveClientIP(header http.Header, remoteAddr string) (string, ClientIPSource) {
	for _, h := range clientIPHeaders {
		v := header.Get(h)
		if v == "" {
			continue
		}

		if h == "X-Forwarded-For" {
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
		}

		v = strings.TrimSpace(v)
		if v != "" {
			return v, ClientIPFromHeader
		}
	}

	host := remoteAddr
	if i := strings.LastIndexByte(remoteAddr, ':'); i >= 0 {
		host = remoteAddr[:i]
	}

	return host, ClientIPFromPeer
}
