package rnode

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// BodyKind identifies which variant of the tagged request body is populated.
type BodyKind uint8

// Body kinds, per spec.md §3's "polymorphic body" data model.
const (
	BodyEmpty BodyKind = iota
	BodyText
	BodyJSON
	BodyForm
	BodyMultipart
	BodyBinary
)

// UploadedFile describes a single uploaded file, spooled to disk once its
// size crosses a threshold so large uploads don't live entirely in memory.
type UploadedFile struct {
	Filename    string
	ContentType string
	Size        int64

	reader   io.ReadSeeker
	tempPath string
}

// Open returns a fresh reader positioned at the start of the file content.
func (f *UploadedFile) Open() (io.ReadSeeker, error) {
	if _, err := f.reader.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	return f.reader, nil
}

// MultipartBody is the parsed result of a "multipart/form-data" body.
type MultipartBody struct {
	Fields url.Values
	Files  map[string]*UploadedFile
}

// BinaryBody is an opaque byte payload carrying its own content type.
type BinaryBody struct {
	ContentType string
	Bytes       []byte
}

// ClientIPSource records which mechanism supplied `Request.ClientIP`.
type ClientIPSource string

// Client IP provenance values.
const (
	ClientIPFromHeader ClientIPSource = "header"
	ClientIPFromPeer   ClientIPSource = "peer"
)

// Request is the per-request context shared, by exclusive reference, down
// the middleware chain and into the handler — spec.md §3's Request Context
// and §9's "shared mutable per-request state" design note.
//
// A `Request` is never shared across two in-flight HTTP requests: the
// pipeline checks one out of a `sync.Pool` and resets it before putting it
// back, the same way the teacher's `requestPool` does in `air.go`.
type Request struct {
	Method string
	URL    *url.URL
	Proto  string

	PathParams map[string]string
	Query      url.Values
	Header     http.Header
	Cookies    map[string]string

	bodyKind  BodyKind
	rawBody   []byte
	jsonBody  json.RawMessage
	form      url.Values
	multipart *MultipartBody
	binary    *BinaryBody
	bodyErr   error
	bodyRead  bool

	Files map[string]*UploadedFile

	ClientIP       string
	ClientIPSource ClientIPSource

	// Custom is the opaque per-request key/value store shared by the
	// middleware chain and the handler. It is cleared on `reset`, never
	// carried between requests.
	Custom map[string]any

	httpReq   *http.Request
	deadline  time.Time
	debugMode bool
	res       *Response
}

func newRequest() *Request {
	return &Request{
		PathParams: map[string]string{},
		Custom:     map[string]any{},
	}
}

// reset clears the r for reuse by the next pooled request, mirroring the
// teacher's `Request` pool-reset idiom (`pool.go`/`air.go`'s `req.reset`).
func (r *Request) reset() {
	r.Method = ""
	r.URL = nil
	r.Proto = ""

	for k := range r.PathParams {
		delete(r.PathParams, k)
	}

	r.Query = nil
	r.Header = nil
	r.Cookies = nil

	r.bodyKind = BodyEmpty
	r.rawBody = nil
	r.jsonBody = nil
	r.form = nil
	r.multipart = nil
	r.binary = nil
	r.bodyErr = nil
	r.bodyRead = false

	r.Files = nil

	r.ClientIP = ""
	r.ClientIPSource = ""

	for k := range r.Custom {
		delete(r.Custom, k)
	}

	r.httpReq = nil
	r.deadline = time.Time{}
	r.debugMode = false
	r.res = nil
}

// HTTPRequest returns the underlying `*http.Request`, for interop with
// stdlib-shaped middleware (mirrors the teacher's `WrapHTTPMiddleware`
// escape hatch).
func (r *Request) HTTPRequest() *http.Request {
	return r.httpReq
}

// Deadline returns the time at which the pipeline will abandon this
// request, per spec.md §5's deadline token.
func (r *Request) Deadline() time.Time {
	return r.deadline
}

// Param returns the named path parameter, or "" if absent.
func (r *Request) Param(name string) string {
	return r.PathParams[name]
}

// QueryValue returns the first query parameter value for key, or "".
func (r *Request) QueryValue(key string) string {
	if r.Query == nil {
		r.Query = r.URL.Query()
	}

	return r.Query.Get(key)
}

// CookieValue returns the value of the named cookie and whether it was
// present. Per spec.md §3, last-write-wins on duplicate names — this is
// enforced at parse time in `parseCookies`.
func (r *Request) CookieValue(name string) (string, bool) {
	v, ok := r.Cookies[name]
	return v, ok
}

// Text returns the body decoded as a plain string, lazily parsing it on
// first access per spec.md §9's "parse lazily on first access" guidance.
func (r *Request) Text() (string, error) {
	if err := r.ensureBodyParsed(); err != nil {
		return "", err
	}

	return string(r.rawBody), nil
}

// JSON decodes the body as JSON into v.
func (r *Request) JSON(v interface{}) error {
	if err := r.ensureBodyParsed(); err != nil {
		return err
	}

	if r.bodyKind != BodyJSON {
		return &HTTPError{Code: ErrClientParse, Status: http.StatusBadRequest, Message: "request body is not JSON"}
	}

	return json.Unmarshal(r.jsonBody, v)
}

// Msgpack decodes the body as MessagePack into v. The body is accepted
// whenever it parsed as the opaque binary variant (spec.md §3's
// "polymorphic body" does not reserve a dedicated MessagePack tag, so
// clients select it by Content-Type, e.g. "application/msgpack" or
// "application/x-msgpack", and decode explicitly).
func (r *Request) Msgpack(v interface{}) error {
	if err := r.ensureBodyParsed(); err != nil {
		return err
	}

	if r.bodyKind != BodyBinary || r.binary == nil {
		return &HTTPError{Code: ErrClientParse, Status: http.StatusBadRequest, Message: "request body is not a binary payload"}
	}

	if err := msgpack.Unmarshal(r.binary.Bytes, v); err != nil {
		return &HTTPError{Code: ErrClientParse, Status: http.StatusBadRequest, Message: "malformed msgpack body", Cause: err}
	}

	return nil
}

// FormValues returns the parsed form fields (works for both urlencoded and
// multipart bodies).
func (r *Request) FormValues() (url.Values, error) {
	if err := r.ensureBodyParsed(); err != nil {
		return nil, err
	}

	if r.bodyKind == BodyMultipart {
		return r.multipart.Fields, nil
	}

	return r.form, nil
}

// MultipartForm returns the parsed multipart body, or nil if the request
// body is not multipart.
func (r *Request) MultipartForm() (*MultipartBody, error) {
	if err := r.ensureBodyParsed(); err != nil {
		return nil, err
	}

	return r.multipart, nil
}

// Binary returns the opaque binary body descriptor, or nil.
func (r *Request) Binary() (*BinaryBody, error) {
	if err := r.ensureBodyParsed(); err != nil {
		return nil, err
	}

	return r.binary, nil
}

// BodyKind reports which body variant is populated, parsing lazily if
// needed.
func (r *Request) BodyKind() BodyKind {
	_ = r.ensureBodyParsed()
	return r.bodyKind
}

// ensureBodyParsed performs the one-time, lazy content-type-driven body
// parse described in spec.md §4.C step 1 and §9's polymorphic-body note.
func (r *Request) ensureBodyParsed() error {
	if r.bodyRead {
		return r.bodyErr
	}

	r.bodyRead = true
	r.bodyErr = parseBody(r)

	return r.bodyErr
}

// fileFromHeader adapts a stdlib multipart.FileHeader into an
// UploadedFile. Parts over the in-memory threshold have already been
// spooled to a temp file by ParseMultipartForm; this only opens the part.
func fileFromHeader(fh *multipart.FileHeader) (*UploadedFile, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}

	rs, ok := f.(io.ReadSeeker)
	if !ok {
		// multipart always returns a seekable file for on-disk parts and
		// an in-memory section reader for small parts; both satisfy
		// io.ReadSeeker in the stdlib implementation.
		return nil, &HTTPError{Code: ErrClientParse, Status: http.StatusBadRequest, Message: "uploaded file is not seekable"}
	}

	return &UploadedFile{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		reader:      rs,
	}, nil
}
