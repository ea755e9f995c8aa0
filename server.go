package rnode

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/rnode-server/rnode/metrics"
	"github.com/rnode-server/rnode/render"
	"github.com/rnode-server/rnode/static"
	"github.com/rnode-server/rnode/tlslisten"
	"github.com/rnode-server/rnode/ws"
)

// Server is the top-level struct embedding the route table, middleware
// registry, and request pipeline described in spec.md §2's architecture
// overview. It is the rnode analogue of the teacher's `Air` struct.
//
// It is not safe to mutate exported fields after calling `Listen`; routes
// and gases are meant to be registered up front, per spec.md §9's
// immutable-after-listen design note.
type Server struct {
	// AppName identifies the application, used only in logging.
	//
	// Default value: "rnode"
	AppName string `mapstructure:"app_name"`

	// DebugMode controls whether 500 error responses include the underlying
	// error message or only the generic status text, per spec.md §7. Other
	// error statuses always carry their message.
	//
	// Default value: false
	DebugMode bool `mapstructure:"debug_mode"`

	// Address is the TCP address the server listens on.
	//
	// Default value: "localhost:8080"
	Address string `mapstructure:"address"`

	// ReadTimeout, WriteTimeout, and IdleTimeout configure the underlying
	// `http.Server`, mirroring the teacher's same-named fields.
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// MaxHeaderBytes bounds request header size.
	//
	// Default value: 1 MiB
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`

	// MaxRequestBodyBytes bounds the total size of an incoming request
	// body (all variants, including multipart), per spec.md §6's
	// "Request body size ... configurable". A request exceeding this
	// limit fails with `ErrClientParse` / 400 rather than being read in
	// full. Zero means no limit beyond `http.Server`'s own defaults.
	//
	// Default value: 32 MiB
	MaxRequestBodyBytes int64 `mapstructure:"max_request_body_bytes"`

	// HandlerTimeout sets a per-request deadline, attached to the request's
	// context (`HTTPRequest().Context()`) and reported by `Request.Deadline`.
	// A bridged (foreign/async) step stops being awaited once it passes; a
	// native handler or gas is not preempted, and the pipeline waits for it
	// to return. An error returned after the deadline becomes a 408 unless
	// a response was already written. Zero means no deadline is attached.
	//
	// Default value: 0
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`

	// TLSCertFile and TLSKeyFile name a static PEM certificate/key pair.
	// Both must be set together to enable TLS without ACME.
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	// ConfigFile, if set before `Listen`, is loaded and decoded onto the
	// Server before serving begins, per spec.md §9's configuration note.
	// The extension selects the decoder: ".json", ".toml", ".yaml"/".yml".
	ConfigFile string `mapstructure:"-"`

	// NotFoundHandler and MethodNotAllowedHandler handle routes the table
	// could not resolve, per spec.md §4.A's match outcomes.
	NotFoundHandler         Handler `mapstructure:"-"`
	MethodNotAllowedHandler Handler `mapstructure:"-"`

	// ErrorHandler is the centralized sink for any error returned by the
	// gas chain or handler, per spec.md §7.
	ErrorHandler func(err error, req *Request, res *Response) `mapstructure:"-"`

	// ErrorLogger receives request-processing errors; if nil, the
	// standard library's `log` package default logger is used.
	ErrorLogger *log.Logger `mapstructure:"-"`

	// Pregases run before routing, ahead of every route-level gas;
	// Gases run after routing, wrapping the matched handler, per spec.md
	// §4.B. Both are FILO-chained, matching the teacher's convention.
	Pregases []Gas `mapstructure:"-"`
	Gases    []Gas `mapstructure:"-"`

	// Templates renders `html/template` views by name, per spec.md §4.G.
	// Call `Templates.Init(root)` before `Listen` to compile a directory of
	// views; it is nil-safe to leave unused.
	Templates *render.Engine `mapstructure:"-"`

	// Metrics accumulates the counters and histograms described in
	// spec.md §4.H. `ServeHTTP` records every request into it
	// automatically; mount `Metrics.WriteText` on a route to expose it.
	Metrics *metrics.Registry `mapstructure:"-"`

	// Logger is the structured leveled logger of spec.md §4.H, used for
	// the server's own diagnostic output (distinct from the per-request
	// access log a `RequestLogger` gas writes).
	Logger *Logger `mapstructure:"-"`

	routes      *RouteTable
	middlewares *MiddlewareRegistry
	statics     []*static.Mount
	wsHub       *ws.Hub

	httpServer *http.Server

	addressMap      map[string]int
	shutdownJobs    []func()
	shutdownJobMu   sync.Mutex
	shutdownJobDone chan struct{}

	requestPool  *sync.Pool
	responsePool *sync.Pool
}

// New returns a new `Server` with default field values, per spec.md §2.
func New() *Server {
	s := &Server{
		AppName:                 "rnode",
		Address:                 "localhost:8080",
		MaxHeaderBytes:          1 << 20,
		MaxRequestBodyBytes:     32 << 20,
		NotFoundHandler:         DefaultNotFoundHandler,
		MethodNotAllowedHandler: DefaultMethodNotAllowedHandler,
		ErrorHandler:            DefaultErrorHandler,

		Templates: render.New(render.DefaultOptions()),
		Metrics:   metrics.NewRegistry(),
		Logger:    NewLogger(),

		routes:          NewRouteTable(),
		middlewares:     NewMiddlewareRegistry(),
		wsHub:           ws.NewHub(),
		addressMap:      map[string]int{},
		shutdownJobDone: make(chan struct{}),
	}

	s.httpServer = &http.Server{}

	s.requestPool = &sync.Pool{New: func() interface{} { return newRequest() }}
	s.responsePool = &sync.Pool{New: func() interface{} { return newResponse() }}

	return s
}

// Use registers gas as applying to every path matching pattern, per
// spec.md §4.B. Use `"*"` to apply to every path.
func (s *Server) Use(pattern string, gas Gas) {
	s.middlewares.Register(pattern, gas)
}

// Handle registers h for method and pattern.
func (s *Server) Handle(method, pattern string, h Handler) error {
	return s.routes.Register(method, pattern, h)
}

// GET registers a new GET route.
func (s *Server) GET(pattern string, h Handler) error { return s.Handle(http.MethodGet, pattern, h) }

// HEAD registers a new HEAD route.
func (s *Server) HEAD(pattern string, h Handler) error {
	return s.Handle(http.MethodHead, pattern, h)
}

// POST registers a new POST route.
func (s *Server) POST(pattern string, h Handler) error {
	return s.Handle(http.MethodPost, pattern, h)
}

// PUT registers a new PUT route.
func (s *Server) PUT(pattern string, h Handler) error { return s.Handle(http.MethodPut, pattern, h) }

// PATCH registers a new PATCH route.
func (s *Server) PATCH(pattern string, h Handler) error {
	return s.Handle(http.MethodPatch, pattern, h)
}

// DELETE registers a new DELETE route.
func (s *Server) DELETE(pattern string, h Handler) error {
	return s.Handle(http.MethodDelete, pattern, h)
}

// OPTIONS registers a new OPTIONS route.
func (s *Server) OPTIONS(pattern string, h Handler) error {
	return s.Handle(http.MethodOptions, pattern, h)
}

// TRACE registers a new TRACE route.
func (s *Server) TRACE(pattern string, h Handler) error {
	return s.Handle(http.MethodTrace, pattern, h)
}

// ANY registers h for every recognized method, consulted only when a more
// specific method is not registered at the same path, per `RouteTable`'s
// "ANY" fallback semantics.
func (s *Server) ANY(pattern string, h Handler) error { return s.Handle("ANY", pattern, h) }

// Static mounts the directory at root under mountPath, serving files from
// an in-memory cache with conditional-request and precompression support,
// per spec.md §4.E. It registers a low-priority gas on mountPath+"/**" that
// serves a match and falls through to ordinary routing on a Pass.
func (s *Server) Static(mountPath, root string, opts static.Options) error {
	mount := static.NewMount(mountPath, root, opts)
	s.statics = append(s.statics, mount)

	s.Use(strings.TrimRight(mountPath, "/")+"/**", func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			acceptEncoding := req.Header.Get("Accept-Encoding")
			ifNoneMatch := req.Header.Get("If-None-Match")
			ifModifiedSince := req.Header.Get("If-Modified-Since")

			result, err := mount.Resolve(req.URL.Path, acceptEncoding, ifNoneMatch, ifModifiedSince)
			if err != nil {
				if static.IsSecurityReject(err) {
					return &HTTPError{Code: ErrStaticSecurity, Status: http.StatusForbidden, Message: err.Error()}
				}

				return err
			}

			if result.Outcome == static.Pass {
				if s.Metrics != nil {
					s.Metrics.CacheMiss()
				}

				return next(req, res)
			}

			if s.Metrics != nil {
				s.Metrics.CacheHit()
			}

			for k, v := range result.Headers {
				res.SetHeader(k, v)
			}

			res.Status = result.Status

			if result.Status == http.StatusNotModified {
				res.Written = true
				return nil
			}

			res.ContentType = result.Headers["Content-Type"]
			return res.WriteBytes(result.Body)
		}
	})

	return nil
}

// WebSocket registers a WebSocket upgrade route at path, per spec.md §4.F.
// A request to path carrying the "Upgrade: websocket" header is handed to
// the hub directly, bypassing the ordinary gas/handler pipeline, per
// spec.md §4.F's "alternate upgrade path" design note.
func (s *Server) WebSocket(path string, route *ws.Route) {
	route.Path = path
	s.wsHub.Register(route)
}

// WebSocketHub exposes the hub backing `WebSocket`, for callers that need
// to broadcast or inspect connection counts outside of a request.
func (s *Server) WebSocketHub() *ws.Hub {
	return s.wsHub
}

// EnableMetricsEndpoint registers a GET route at path rendering `Metrics`
// in the plain-text exposition format of spec.md §4.H.
func (s *Server) EnableMetricsEndpoint(path string) error {
	return s.GET(path, func(req *Request, res *Response) error {
		res.ContentType = "text/plain; version=0.0.4"
		return res.WriteString(s.Metrics.WriteText())
	})
}

// AddShutdownJob adds f as a job that runs once, concurrently with the
// other shutdown jobs, when `Shutdown` is called. The returned id can be
// passed to `RemoveShutdownJob`.
func (s *Server) AddShutdownJob(f func()) int {
	s.shutdownJobMu.Lock()
	defer s.shutdownJobMu.Unlock()

	s.shutdownJobs = append(s.shutdownJobs, f)

	return len(s.shutdownJobs) - 1
}

// RemoveShutdownJob removes the shutdown job registered under id.
func (s *Server) RemoveShutdownJob(id int) {
	s.shutdownJobMu.Lock()
	defer s.shutdownJobMu.Unlock()

	if id >= 0 && id < len(s.shutdownJobs) {
		s.shutdownJobs[id] = nil
	}
}

// Addresses returns every TCP address the server is actually listening on.
func (s *Server) Addresses() []string {
	if len(s.addressMap) == 0 {
		return nil
	}

	as := make([]string, 0, len(s.addressMap))
	for a := range s.addressMap {
		as = append(as, a)
	}

	sort.Strings(as)

	return as
}

// loadConfigFile decodes `ConfigFile` onto s, selecting the decoder by file
// extension, per spec.md §9's configuration note.
func (s *Server) loadConfigFile() error {
	if s.ConfigFile == "" {
		return nil
	}

	b, err := os.ReadFile(s.ConfigFile)
	if err != nil {
		return err
	}

	m := map[string]interface{}{}

	switch ext := strings.ToLower(filepath.Ext(s.ConfigFile)); ext {
	case ".json":
		err = json.Unmarshal(b, &m)
	case ".toml":
		err = toml.Unmarshal(b, &m)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &m)
	default:
		err = fmt.Errorf("rnode: unsupported configuration file extension: %s", ext)
	}

	if err != nil {
		return err
	}

	return mapstructure.Decode(m, s)
}

// Listen starts serving on `Address` (HTTPS when `TLSCertFile` and
// `TLSKeyFile` are set, plain HTTP otherwise) and blocks until the server
// stops, returning `http.ErrServerClosed` after a graceful `Shutdown`. It is
// equivalent to `ListenWith(tlslisten.DefaultOptions())`.
func (s *Server) Listen() error {
	return s.ListenWith(tlslisten.DefaultOptions())
}

// ListenTLS is like `Listen` but serves over the supplied `tls.Config`. It
// is equivalent to `ListenWith` with `opts.TLSConfig` set.
func (s *Server) ListenTLS(tlsConfig *tls.Config) error {
	opts := tlslisten.DefaultOptions()
	opts.TLSConfig = tlsConfig

	return s.ListenWith(opts)
}

// ListenWith starts serving on `Address` using the PROXY-protocol, ACME,
// and h2c wiring `tlslisten.Listen` provides, per spec.md §4.I.
func (s *Server) ListenWith(opts tlslisten.Options) error {
	if err := s.loadConfigFile(); err != nil {
		return err
	}

	if opts.TLSCertFile == "" && opts.TLSKeyFile == "" {
		opts.TLSCertFile = s.TLSCertFile
		opts.TLSKeyFile = s.TLSKeyFile
	}

	s.httpServer.Addr = s.Address
	s.httpServer.ReadTimeout = s.ReadTimeout
	s.httpServer.WriteTimeout = s.WriteTimeout
	s.httpServer.IdleTimeout = s.IdleTimeout
	s.httpServer.MaxHeaderBytes = s.MaxHeaderBytes
	s.httpServer.ErrorLog = s.ErrorLogger

	ln, handler, acmeHandler, err := tlslisten.Listen(s.Address, opts, s)
	if err != nil {
		return err
	}
	defer ln.Close()

	s.httpServer.Handler = handler

	if acmeHandler != nil {
		go http.ListenAndServe(":http", acmeHandler)
	}

	s.addressMap[ln.Addr().String()] = 0
	defer delete(s.addressMap, ln.Addr().String())

	return s.httpServer.Serve(ln)
}

// Close closes the underlying listener(s) immediately, without waiting for
// active connections to finish.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Shutdown gracefully shuts the server down: it stops accepting new
// connections and waits for in-flight ones to finish, then runs every
// registered shutdown job concurrently and waits for the jobs, per spec.md §9's
// supplemented shutdown-job feature (grounded on the teacher's
// `AddShutdownJob`/`shutdownJobDone` mechanism).
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.shutdownJobMu.Lock()
	jobs := append([]func(){}, s.shutdownJobs...)
	s.shutdownJobMu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		if job == nil {
			continue
		}

		wg.Add(1)
		go func(f func()) {
			defer wg.Done()
			f()
		}(job)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	return err
}

// ServeHTTP implements `http.Handler`, driving the full request pipeline
// described in spec.md §4.C: pool checkout, deadline attachment, pregas
// chain, route match, per-path gas chain, handler invocation, centralized
// error handling, deferred-function run, and pool release.
func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	req := s.requestPool.Get().(*Request)
	res := s.responsePool.Get().(*Response)

	if s.MaxRequestBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(rw, r.Body, s.MaxRequestBodyBytes)
	}

	req.httpReq = r
	req.Method = r.Method
	req.URL = r.URL
	req.Proto = r.Proto
	req.Header = r.Header
	req.Cookies = parseCookies(r.Header)
	req.ClientIP, req.ClientIPSource = resolveClientIP(r.Header, r.RemoteAddr)
	req.debugMode = s.DebugMode

	res.httpRW = rw
	req.res = res

	if route, ok := s.wsHub.RouteFor(r.URL.Path); ok && isWebSocketUpgrade(r) {
		if err := s.wsHub.Upgrade(route, rw, r); err != nil {
			s.logErrorf("websocket upgrade %s: %v", r.URL.Path, err)
		}

		req.reset()
		res.reset()
		s.requestPool.Put(req)
		s.responsePool.Put(res)

		return
	}

	start := time.Now()

	ctx := r.Context()
	if s.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.HandlerTimeout)
		defer cancel()

		req.deadline, _ = ctx.Deadline()
		req.httpReq = r.WithContext(ctx)
	}

	// skipIfWritten ends the chain once a gas has written a response, so no
	// later gas and no handler runs after it.
	skipIfWritten := func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			if res.Written {
				return nil
			}

			return next(req, res)
		}
	}

	chain := func(req *Request, res *Response) error {
		h := skipIfWritten(s.route(req))

		for i := len(s.Gases) - 1; i >= 0; i-- {
			h = skipIfWritten(s.Gases[i](h))
		}

		mws := s.middlewares.Chain(req.URL.Path)
		for i := len(mws) - 1; i >= 0; i-- {
			h = skipIfWritten(mws[i](h))
		}

		return h(req, res)
	}

	for i := len(s.Pregases) - 1; i >= 0; i-- {
		chain = s.Pregases[i](chain)
	}

	if err := chain(req, res); err != nil {
		if ctx.Err() != nil && !res.Written {
			err = &HTTPError{Code: ErrTimeout, Status: http.StatusRequestTimeout, Message: "request deadline exceeded", Cause: err}
		}

		s.ErrorHandler(err, req, res)

		if res.Status >= http.StatusInternalServerError {
			s.logErrorf("%s %s: %v", req.Method, req.URL.Path, err)
		}
	}

	_ = res.serialize(rw)

	if s.Metrics != nil {
		s.Metrics.ObserveRequest(req.Method, res.Status, time.Since(start))
	}

	for i := len(res.deferredFuncs) - 1; i >= 0; i-- {
		res.deferredFuncs[i]()
	}

	req.reset()
	res.reset()
	s.requestPool.Put(req)
	s.responsePool.Put(res)
}

// route resolves req against the route table, producing the 404/405
// default handlers on a miss, per spec.md §4.A.
func (s *Server) route(req *Request) Handler {
	m := s.routes.Match(req.Method, req.URL.Path)

	switch m.Outcome {
	case MatchFound:
		req.PathParams = m.Params
		return m.Handler
	case MatchMethodNotAllowed:
		return func(req *Request, res *Response) error {
			res.SetHeader("Allow", strings.Join(m.Allowed, ", "))
			return s.MethodNotAllowedHandler(req, res)
		}
	default:
		return s.NotFoundHandler
	}
}

// isWebSocketUpgrade reports whether r is requesting a WebSocket upgrade,
// per RFC 6455's handshake headers.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (s *Server) logErrorf(format string, v ...interface{}) {
	e := fmt.Errorf(format, v...)
	if s.ErrorLogger != nil {
		s.ErrorLogger.Output(2, e.Error())
	} else {
		log.Output(2, e.Error())
	}
}

// WrapHTTPHandler adapts a stdlib `http.Handler` into a `Handler`, per the
// teacher's same-named escape hatch.
func WrapHTTPHandler(hh http.Handler) Handler {
	return func(req *Request, res *Response) error {
		hh.ServeHTTP(res.HTTPResponseWriter(), req.HTTPRequest())
		return nil
	}
}

// WrapHTTPMiddleware adapts a stdlib `func(http.Handler) http.Handler`
// middleware into a `Gas`, per the teacher's same-named escape hatch.
func WrapHTTPMiddleware(hm func(http.Handler) http.Handler) Gas {
	return func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			var err error

			hm(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				req.httpReq = r
				err = next(req, res)
			})).ServeHTTP(res.HTTPResponseWriter(), req.HTTPRequest())

			return err
		}
	}
}

// DefaultNotFoundHandler returns the `ErrNotFound` error, per spec.md §7.
func DefaultNotFoundHandler(req *Request, res *Response) error {
	res.Status = http.StatusNotFound
	return &HTTPError{Code: ErrNotFound, Status: res.Status, Message: http.StatusText(res.Status)}
}

// DefaultMethodNotAllowedHandler returns the `ErrMethodNotAllowed` error,
// per spec.md §7.
func DefaultMethodNotAllowedHandler(req *Request, res *Response) error {
	res.Status = http.StatusMethodNotAllowed
	return &HTTPError{Code: ErrMethodNotAllowed, Status: res.Status, Message: http.StatusText(res.Status)}
}

// DefaultErrorHandler renders the centralized error body described in
// spec.md §7, content-negotiated between HTML and the JSON error envelope.
func DefaultErrorHandler(err error, req *Request, res *Response) {
	if res.Written {
		return
	}

	herr := asHTTPError(err)

	if !req.debugMode && herr.Status == http.StatusInternalServerError {
		herr = &HTTPError{Code: herr.Code, Status: herr.Status, Message: http.StatusText(herr.Status)}
	}

	writeErrorBody(req, res, herr)
}
