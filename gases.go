package rnode

import (
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasttemplate"
)

// Skipper decides whether a gas should be bypassed for the current request,
// mirroring the teacher's `gases.Skipper`.
type Skipper func(*Request) bool

func defaultSkipper(*Request) bool { return false }

// RecoverConfig configures RecoverWithConfig, grounded on the teacher's
// `gases/recover.go`.
type RecoverConfig struct {
	// StackSize bounds how many bytes of stack trace are captured.
	//
	// Default value: 4 << 10
	StackSize int

	// DisableStackAll captures only the panicking goroutine's stack instead
	// of every goroutine's.
	DisableStackAll bool

	// Logger receives the rendered stack trace, if non-nil.
	Logger *Logger
}

// DefaultRecoverConfig is the default RecoverConfig.
var DefaultRecoverConfig = RecoverConfig{StackSize: 4 << 10}

// Recover returns a gas that recovers from a panic anywhere later in the
// chain and hands control to the centralized error handler instead of
// crashing the server, per the teacher's `gases.Recover`.
func Recover() Gas {
	return RecoverWithConfig(DefaultRecoverConfig)
}

// RecoverWithConfig returns a Recover gas built from config.
func RecoverWithConfig(config RecoverConfig) Gas {
	if config.StackSize == 0 {
		config.StackSize = DefaultRecoverConfig.StackSize
	}

	return func(next Handler) Handler {
		return func(req *Request, res *Response) (err error) {
			defer func() {
				if r := recover(); r != nil {
					switch v := r.(type) {
					case error:
						err = v
					default:
						err = fmt.Errorf("%v", v)
					}

					stack := make([]byte, config.StackSize)
					n := runtime.Stack(stack, !config.DisableStackAll)

					if config.Logger != nil {
						config.Logger.Errorf("panic recovered: %v\n%s", err, stack[:n])
					}
				}
			}()

			return next(req, res)
		}
	}
}

// CORSConfig configures CORSWithConfig, grounded on the teacher's
// `gases/cors.go`.
type CORSConfig struct {
	Skipper          Skipper
	AllowOrigins     []string
	AllowHeaders     []string
	AllowCredentials bool
	ExposeHeaders    []string
}

// DefaultCORSConfig is the default CORSConfig: every origin, no credentials.
var DefaultCORSConfig = CORSConfig{AllowOrigins: []string{"*"}}

// CORS returns a Cross-Origin Resource Sharing gas using DefaultCORSConfig.
func CORS() Gas {
	return CORSWithConfig(DefaultCORSConfig)
}

// CORSWithConfig returns a CORS gas built from config.
func CORSWithConfig(config CORSConfig) Gas {
	if config.Skipper == nil {
		config.Skipper = defaultSkipper
	}

	if len(config.AllowOrigins) == 0 {
		config.AllowOrigins = DefaultCORSConfig.AllowOrigins
	}

	expose := joinComma(config.ExposeHeaders)

	return func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			if config.Skipper(req) {
				return next(req, res)
			}

			origin := req.Header.Get("Origin")
			_, originSet := req.Header["Origin"]

			res.AddHeader("Vary", "Origin")

			allowed := ""
			for _, o := range config.AllowOrigins {
				if o == "*" || o == origin {
					allowed = o
					break
				}
			}

			if !originSet || allowed == "" {
				return next(req, res)
			}

			res.SetHeader("Access-Control-Allow-Origin", allowed)

			if config.AllowCredentials {
				res.SetHeader("Access-Control-Allow-Credentials", "true")
			}

			if expose != "" {
				res.SetHeader("Access-Control-Expose-Headers", expose)
			}

			return next(req, res)
		}
	}
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}

		out += s
	}

	return out
}

// SecureConfig configures SecureWithConfig, grounded on the teacher's
// `gases/secure.go`.
type SecureConfig struct {
	XSSProtection         string
	ContentTypeNosniff    string
	XFrameOptions         string
	HSTSMaxAge            int
	HSTSExcludeSubdomains bool
	ContentSecurityPolicy string
}

// DefaultSecureConfig is the default SecureConfig.
var DefaultSecureConfig = SecureConfig{
	XSSProtection:      "1; mode=block",
	ContentTypeNosniff: "nosniff",
	XFrameOptions:      "SAMEORIGIN",
}

// Secure returns a gas that sets the common browser-security response
// headers (XSS protection, content-type sniffing, frame options, HSTS, and
// CSP), per the teacher's `gases.Secure`.
func Secure() Gas {
	return SecureWithConfig(DefaultSecureConfig)
}

// SecureWithConfig returns a Secure gas built from config.
func SecureWithConfig(config SecureConfig) Gas {
	return func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			if config.XSSProtection != "" {
				res.SetHeader("X-XSS-Protection", config.XSSProtection)
			}

			if config.ContentTypeNosniff != "" {
				res.SetHeader("X-Content-Type-Options", config.ContentTypeNosniff)
			}

			if config.XFrameOptions != "" {
				res.SetHeader("X-Frame-Options", config.XFrameOptions)
			}

			isTLS := req.httpReq != nil && req.httpReq.TLS != nil
			if (isTLS || req.Header.Get("X-Forwarded-Proto") == "https") && config.HSTSMaxAge != 0 {
				subdomains := "; includeSubdomains"
				if config.HSTSExcludeSubdomains {
					subdomains = ""
				}

				res.SetHeader("Strict-Transport-Security", fmt.Sprintf("max-age=%d%s", config.HSTSMaxAge, subdomains))
			}

			if config.ContentSecurityPolicy != "" {
				res.SetHeader("Content-Security-Policy", config.ContentSecurityPolicy)
			}

			return next(req, res)
		}
	}
}

// RequestLoggerConfig configures RequestLoggerWithConfig, grounded on the
// teacher's fasttemplate-based `gases/logger.go`.
type RequestLoggerConfig struct {
	// Format is a fasttemplate source using "${tag}" placeholders. Supported
	// tags: time_rfc3339, remote_ip, host, uri, method, path, status,
	// latency, latency_human, rx_bytes, tx_bytes.
	//
	// Default value: a JSON line with every tag above except host and path.
	Format string

	// Output is where rendered lines are written.
	//
	// Default value: os.Stdout
	Output io.Writer
}

// DefaultRequestLoggerConfig is the default RequestLoggerConfig.
var DefaultRequestLoggerConfig = RequestLoggerConfig{
	Format: `{"time":"${time_rfc3339}","remote_ip":"${remote_ip}",` +
		`"method":"${method}","uri":"${uri}","status":${status},"latency":${latency},` +
		`"latency_human":"${latency_human}","rx_bytes":${rx_bytes},` +
		`"tx_bytes":${tx_bytes}}` + "\n",
	Output: os.Stdout,
}

// RequestLogger returns a gas that logs one line per request using
// DefaultRequestLoggerConfig.
func RequestLogger() Gas {
	return RequestLoggerWithConfig(DefaultRequestLoggerConfig)
}

// RequestLoggerWithConfig returns a RequestLogger gas built from config. It
// times the rest of the chain and renders the configured fasttemplate
// format, the same pooled-buffer idiom as the teacher's `LoggerWithConfig`.
func RequestLoggerWithConfig(config RequestLoggerConfig) Gas {
	if config.Format == "" {
		config.Format = DefaultRequestLoggerConfig.Format
	}

	if config.Output == nil {
		config.Output = DefaultRequestLoggerConfig.Output
	}

	tmpl := fasttemplate.New(config.Format, "${", "}")

	pool := &sync.Pool{
		New: func() interface{} { return make([]byte, 0, 256) },
	}

	return func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			start := time.Now()
			err := next(req, res)
			stop := time.Now()

			buf := pool.Get().([]byte)[:0]
			defer pool.Put(buf)

			writer := &byteSliceWriter{buf: buf}

			_, execErr := tmpl.ExecuteFunc(writer, func(w io.Writer, tag string) (int, error) {
				switch tag {
				case "time_rfc3339":
					return w.Write([]byte(stop.Format(time.RFC3339)))
				case "remote_ip":
					ip := req.ClientIP
					if ip == "" {
						ip, _, _ = net.SplitHostPort(remoteAddrOf(req))
					}

					return w.Write([]byte(ip))
				case "host":
					if req.URL != nil {
						return w.Write([]byte(req.URL.Host))
					}

					return 0, nil
				case "uri":
					if req.URL != nil {
						return w.Write([]byte(req.URL.RequestURI()))
					}

					return 0, nil
				case "method":
					return w.Write([]byte(req.Method))
				case "path":
					p := "/"
					if req.URL != nil && req.URL.Path != "" {
						p = req.URL.Path
					}

					return w.Write([]byte(p))
				case "status":
					return w.Write([]byte(strconv.Itoa(res.Status)))
				case "latency":
					return w.Write([]byte(strconv.FormatInt(stop.Sub(start).Microseconds(), 10)))
				case "latency_human":
					return w.Write([]byte(stop.Sub(start).String()))
				case "rx_bytes":
					b := req.Header.Get("Content-Length")
					if b == "" {
						b = "0"
					}

					return w.Write([]byte(b))
				case "tx_bytes":
					return w.Write([]byte(strconv.Itoa(res.bodyLen())))
				}

				return 0, nil
			})

			if execErr == nil {
				config.Output.Write(writer.buf)
			}

			return err
		}
	}
}

func remoteAddrOf(req *Request) string {
	if req.httpReq == nil {
		return ""
	}

	return req.httpReq.RemoteAddr
}

// byteSliceWriter is a minimal io.Writer over a growable byte slice, used in
// place of bytes.Buffer so the pooled allocation underneath RequestLogger
// is a plain []byte.
type byteSliceWriter struct {
	buf []byte
}

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// bodyLen reports the serialized body size for the tx_bytes log tag,
// covering every tagged body variant.
func (r *Response) bodyLen() int {
	switch r.bodyKind {
	case respBodyBytes:
		return len(r.bytes)
	case respBodyBinary:
		if r.binary != nil {
			return len(r.binary.Bytes)
		}

		return 0
	case respBodyFile:
		if fi, err := os.Stat(r.filePath); err == nil {
			return int(fi.Size())
		}

		return 0
	default:
		return 0
	}
}
