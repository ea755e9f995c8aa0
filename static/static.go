// Package static implements the static-file serving subsystem described in
// spec.md §4.E: an in-memory cache of on-disk files with conditional
// responses and optional gzip/brotli precompression.
//
// Grounded on the teacher's `coffer.go` (`aofei/air`): the `fastcache.Cache`
// byte store, the once-initialized cache, and the fsnotify-driven
// invalidation goroutine are the same shape. Unlike the teacher's
// always-on watcher, invalidation here is opt-in (`Options.Watch`) per
// spec.md §4.E's "never auto-invalidated ... unless configured".
package static

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/aofei/mimesniffer"
	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/tdewolff/minify/v2"
	minifyhtml "github.com/tdewolff/minify/v2/html"
)

// Outcome is the result of resolving a request path against a Mount, per
// spec.md §4.E's "either serves a file ... or returns Pass" contract.
type Outcome uint8

// Resolution outcomes.
const (
	// Pass means the path does not belong to this mount (or was a soft
	// miss); the caller should continue to ordinary routing.
	Pass Outcome = iota
	// Handled means a response (200 or 304) was produced and the caller
	// should emit it as-is without continuing the pipeline. Security
	// rejections are returned as an error instead; see IsSecurityReject.
	Handled
)

// Options configures a Mount, mirroring spec.md §3's Static Entry options.
type Options struct {
	// Cache indicates whether served files are kept in memory between
	// requests. When false, every request re-reads the file from disk.
	//
	// Default value: true
	Cache bool

	// MaxAgeSeconds is the "Cache-Control: public, max-age=" value emitted
	// on every 200/304 response.
	//
	// Default value: 3600
	MaxAgeSeconds int

	// MaxFileSizeBytes bounds how large a file may be before it is
	// refused caching; requests for it still succeed but bypass the
	// cache (the whole file is read from disk on every request).
	//
	// Default value: 10 MiB
	MaxFileSizeBytes int64

	// EmitETag and EmitLastModified control which validators are sent.
	//
	// Default value: true, true
	EmitETag         bool
	EmitLastModified bool

	// EnableGzip and EnableBrotli precompute compressed variants at
	// cache-fill time and serve them when the client's Accept-Encoding
	// allows, per spec.md §4.E step 4 (brotli preferred over gzip).
	//
	// Default value: true, true
	EnableGzip   bool
	EnableBrotli bool

	// AllowHidden and AllowSystem opt into serving dotfiles and
	// OS-reserved filenames respectively; both default to rejected.
	//
	// Default value: false, false
	AllowHidden bool
	AllowSystem bool

	// AllowedExtensions, when non-empty, restricts service to files whose
	// extension (including the leading dot, e.g. ".css") appears in the
	// set.
	AllowedExtensions map[string]struct{}

	// BlockedPaths names relative paths (under Root) that are always
	// rejected regardless of extension.
	BlockedPaths map[string]struct{}

	// Watch enables an fsnotify watcher that evicts a cached record the
	// moment its backing file changes on disk, per spec.md §4.E's
	// opt-in auto-invalidation. Grounded on the teacher's always-on
	// `coffer` watcher goroutine.
	//
	// Default value: false
	Watch bool
}

// DefaultOptions returns the Options spec.md's static cache defaults to.
func DefaultOptions() Options {
	return Options{
		Cache:            true,
		MaxAgeSeconds:    3600,
		MaxFileSizeBytes: 10 << 20,
		EmitETag:         true,
		EmitLastModified: true,
		EnableGzip:       true,
		EnableBrotli:     true,
	}
}

// Record is a cached, served file, per spec.md §3's Static Cache Record.
type Record struct {
	RelPath     string
	Size        int64
	ContentType string
	ModTime     time.Time
	ETag        string // quoted, strong validator

	checksum       [sha256.Size]byte
	xxh            uint64
	gzipChecksum   [sha256.Size]byte
	hasGzip        bool
	brotliChecksum [sha256.Size]byte
	hasBrotli      bool
}

// Mount binds a URL mount path to an on-disk root directory, per spec.md
// §3's Static Entry.
type Mount struct {
	MountPath string
	Root      string
	Opts      Options

	once    sync.Once
	cache   *fastcache.Cache
	records sync.Map // relPath -> *Record
	fills   sync.Map // relPath -> *sync.Mutex, so concurrent misses single-flight

	minifier *minify.M

	watcher   *fsnotify.Watcher
	watchOnce sync.Once
}

// NewMount returns a Mount serving files under root at mountPath.
func NewMount(mountPath, root string, opts Options) *Mount {
	m := &Mount{
		MountPath: strings.TrimSuffix(mountPath, "/"),
		Root:      filepath.Clean(root),
		Opts:      opts,
	}

	if opts.EnableGzip || opts.EnableBrotli {
		m.minifier = minify.New()
		m.minifier.AddFunc("text/html", minifyhtml.Minify)
	}

	if opts.Watch {
		m.watchOnce.Do(m.startWatcher)
	}

	return m
}

func (m *Mount) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}

	m.watcher = w

	go func() {
		for {
			select {
			case e, ok := <-w.Events:
				if !ok {
					return
				}

				rel, err := filepath.Rel(m.Root, e.Name)
				if err != nil {
					continue
				}

				m.evict(filepath.ToSlash(rel))
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (m *Mount) evict(relPath string) {
	if ri, ok := m.records.Load(relPath); ok {
		r := ri.(*Record)
		m.records.Delete(relPath)

		if m.cache != nil {
			m.cache.Del(checksumKey(r.checksum))
			if r.hasGzip {
				m.cache.Del(checksumKey(r.gzipChecksum))
			}
			if r.hasBrotli {
				m.cache.Del(checksumKey(r.brotliChecksum))
			}
		}
	}
}

// Flush clears every cached record, per spec.md §4.E's "Eviction" contract:
// records persist for the process lifetime until an explicit flush.
func (m *Mount) Flush() {
	m.records.Range(func(k, _ interface{}) bool {
		m.records.Delete(k)
		return true
	})

	if m.cache != nil {
		m.cache.Reset()
	}
}

// ServeResult is the outcome of Resolve: either Pass (continue the
// pipeline) or Handled, in which case Status/Headers/Body describe the
// response to emit verbatim.
type ServeResult struct {
	Outcome Outcome
	Status  int
	Headers map[string]string
	Body    []byte
}

// securityReject is returned by Resolve for StaticSecurityReject cases
// (path traversal, blocked path, disallowed extension/hidden/system file),
// mapping to a 403 per spec.md §7.
type securityReject struct {
	reason string
}

func (e *securityReject) Error() string { return e.reason }

// IsSecurityReject reports whether err is a static-security rejection.
func IsSecurityReject(err error) bool {
	_, ok := err.(*securityReject)
	return ok
}

// Resolve implements spec.md §4.E's full resolution algorithm for a single
// request. requestPath is the raw URL path (e.g. "/static/css/app.css");
// acceptEncoding/ifNoneMatch/ifModifiedSince are the corresponding request
// header values (empty string if absent).
func (m *Mount) Resolve(requestPath, acceptEncoding, ifNoneMatch, ifModifiedSince string) (*ServeResult, error) {
	if !strings.HasPrefix(requestPath, m.MountPath) {
		return &ServeResult{Outcome: Pass}, nil
	}

	rel := strings.TrimPrefix(requestPath, m.MountPath)
	rel = strings.TrimPrefix(rel, "/")

	decoded, err := decodePath(rel)
	if err != nil {
		return nil, &securityReject{reason: "malformed path encoding"}
	}

	if rejectReason := m.securityCheck(decoded); rejectReason != "" {
		return nil, &securityReject{reason: rejectReason}
	}

	rec, body, gzBody, brBody, err := m.load(decoded)
	if err != nil {
		if os.IsNotExist(err) {
			return &ServeResult{Outcome: Pass}, nil
		}

		return nil, err
	}

	if rec == nil {
		return &ServeResult{Outcome: Pass}, nil
	}

	if m.Opts.EmitETag && ifNoneMatch != "" && etagMatches(ifNoneMatch, rec.ETag) {
		return m.notModified(rec), nil
	}

	if m.Opts.EmitLastModified && ifModifiedSince != "" {
		if t, err := http.ParseTime(ifModifiedSince); err == nil && !rec.ModTime.Truncate(time.Second).After(t) {
			return m.notModified(rec), nil
		}
	}

	enc, payload := chooseEncoding(acceptEncoding, body, gzBody, brBody)

	headers := map[string]string{
		"Content-Type":  rec.ContentType,
		"Cache-Control": fmt.Sprintf("public, max-age=%d", m.Opts.MaxAgeSeconds),
	}

	if m.Opts.EmitETag {
		headers["ETag"] = rec.ETag
	}

	if m.Opts.EmitLastModified {
		headers["Last-Modified"] = rec.ModTime.UTC().Format(http.TimeFormat)
	}

	if m.Opts.EnableGzip || m.Opts.EnableBrotli {
		headers["Vary"] = "Accept-Encoding"
	}

	if enc != "" {
		headers["Content-Encoding"] = enc
	}

	headers["Content-Length"] = strconv.Itoa(len(payload))

	return &ServeResult{Outcome: Handled, Status: http.StatusOK, Headers: headers, Body: payload}, nil
}

func (m *Mount) notModified(rec *Record) *ServeResult {
	headers := map[string]string{}

	if m.Opts.EmitETag {
		headers["ETag"] = rec.ETag
	}

	if m.Opts.EmitLastModified {
		headers["Last-Modified"] = rec.ModTime.UTC().Format(http.TimeFormat)
	}

	return &ServeResult{Outcome: Handled, Status: http.StatusNotModified, Headers: headers}
}

// securityCheck implements spec.md §4.E step 1's rejection rules, returning
// a non-empty reason if the path must be refused.
func (m *Mount) securityCheck(relPath string) string {
	if strings.Contains(relPath, "\x00") {
		return "NUL byte in path"
	}

	if filepath.IsAbs(relPath) {
		return "absolute path component"
	}

	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "path traversal"
		}
	}

	if _, blocked := m.Opts.BlockedPaths[relPath]; blocked {
		return "blocked path"
	}

	base := path.Base(relPath)

	if !m.Opts.AllowHidden && strings.HasPrefix(base, ".") {
		return "hidden file"
	}

	if !m.Opts.AllowSystem && isSystemFile(base) {
		return "system file"
	}

	if len(m.Opts.AllowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(base))
		if _, ok := m.Opts.AllowedExtensions[ext]; !ok {
			return "extension not allowed"
		}
	}

	return ""
}

func isSystemFile(base string) bool {
	switch strings.ToLower(base) {
	case "thumbs.db", "desktop.ini", ".ds_store":
		return true
	default:
		return false
	}
}

// load returns the cached (or freshly read) Record and its raw/gzip/brotli
// bodies, reading the file from Root+relPath on a cache miss. Concurrent
// misses for the same key single-flight through a per-key lock, per
// spec.md §5's "writers (first-fill) use a per-key lock" rule.
func (m *Mount) load(relPath string) (*Record, []byte, []byte, []byte, error) {
	m.once.Do(func() {
		if m.Opts.Cache {
			m.cache = fastcache.New(64 << 20)
		}
	})

	if ri, ok := m.records.Load(relPath); ok {
		rec := ri.(*Record)
		body := m.fetch(rec.checksum)
		var gz, br []byte
		if rec.hasGzip {
			gz = m.fetch(rec.gzipChecksum)
		}
		if rec.hasBrotli {
			br = m.fetch(rec.brotliChecksum)
		}

		if body != nil {
			return rec, body, gz, br, nil
		}

		m.records.Delete(relPath)
	}

	lockIface, _ := m.fills.LoadOrStore(relPath, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if ri, ok := m.records.Load(relPath); ok {
		rec := ri.(*Record)
		return rec, m.fetch(rec.checksum), m.maybeFetch(rec.hasGzip, rec.gzipChecksum), m.maybeFetch(rec.hasBrotli, rec.brotliChecksum), nil
	}

	return m.fill(relPath)
}

func (m *Mount) maybeFetch(has bool, sum [sha256.Size]byte) []byte {
	if !has {
		return nil
	}

	return m.fetch(sum)
}

func (m *Mount) fetch(sum [sha256.Size]byte) []byte {
	if m.cache == nil {
		return nil
	}

	return m.cache.Get(nil, checksumKey(sum))
}

func checksumKey(sum [sha256.Size]byte) []byte {
	return sum[:]
}

func (m *Mount) fill(relPath string) (*Record, []byte, []byte, []byte, error) {
	abs := filepath.Join(m.Root, filepath.FromSlash(relPath))

	fi, err := os.Stat(abs)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	if fi.IsDir() {
		return nil, nil, nil, nil, os.ErrNotExist
	}

	if m.Opts.MaxFileSizeBytes > 0 && fi.Size() > m.Opts.MaxFileSizeBytes {
		b, err := os.ReadFile(abs)
		if err != nil {
			return nil, nil, nil, nil, err
		}

		// Too large to cache: still served, but not stored, per
		// spec.md §3's "len(bytes) <= max-file-size" cache invariant.
		return &Record{
			RelPath:     relPath,
			Size:        fi.Size(),
			ContentType: contentTypeFor(relPath, b),
			ModTime:     fi.ModTime(),
			ETag:        strongETag(b),
			checksum:    sha256.Sum256(b),
			xxh:         xxhash.Sum64(b),
		}, b, nil, nil, nil
	}

	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	ct := contentTypeFor(relPath, b)

	if m.minifier != nil {
		if mt, _, _ := mime.ParseMediaType(ct); mt == "text/html" {
			if out, err := m.minifier.Bytes("text/html", b); err == nil {
				b = out
			}
		}
	}

	rec := &Record{
		RelPath:     relPath,
		Size:        int64(len(b)),
		ContentType: ct,
		ModTime:     fi.ModTime(),
		ETag:        strongETag(b),
		checksum:    sha256.Sum256(b),
		xxh:         xxhash.Sum64(b),
	}

	var gz, br []byte

	if m.Opts.EnableGzip {
		if out := gzipBytes(b); len(out) < len(b) {
			gz = out
			rec.gzipChecksum = sha256.Sum256(out)
			rec.hasGzip = true
		}
	}

	if m.Opts.EnableBrotli {
		if out := brotliBytes(b); len(out) < len(b) {
			br = out
			rec.brotliChecksum = sha256.Sum256(out)
			rec.hasBrotli = true
		}
	}

	if m.cache != nil {
		m.cache.Set(checksumKey(rec.checksum), b)
		if rec.hasGzip {
			m.cache.Set(checksumKey(rec.gzipChecksum), gz)
		}
		if rec.hasBrotli {
			m.cache.Set(checksumKey(rec.brotliChecksum), br)
		}

		m.records.Store(relPath, rec)

		if m.Opts.Watch && m.watcher != nil {
			_ = m.watcher.Add(abs)
		}
	}

	return rec, b, gz, br, nil
}

func gzipBytes(b []byte) []byte {
	var buf bytes.Buffer

	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil
	}

	if _, err := gw.Write(b); err != nil {
		return nil
	}

	if err := gw.Close(); err != nil {
		return nil
	}

	return buf.Bytes()
}

func brotliBytes(b []byte) []byte {
	var buf bytes.Buffer

	bw := brotli.NewWriterLevel(&buf, brotli.BestCompression)

	if _, err := bw.Write(b); err != nil {
		return nil
	}

	if err := bw.Close(); err != nil {
		return nil
	}

	return buf.Bytes()
}

// chooseEncoding intersects acceptEncoding with the available precomputed
// variants, preferring brotli over gzip, per spec.md §4.E step 4.
func chooseEncoding(acceptEncoding string, identity, gz, br []byte) (string, []byte) {
	if acceptEncoding == "" {
		return "", identity
	}

	prefs := parseAcceptEncoding(acceptEncoding)

	if br != nil && prefs["br"] > 0 {
		return "br", br
	}

	if gz != nil && prefs["gzip"] > 0 {
		return "gzip", gz
	}

	return "", identity
}

// parseAcceptEncoding returns a coding->quality map. A coding without a q
// parameter gets q=1; a coding listed with q=0 is kept at 0, which callers
// treat as disallowed. Codings not listed are absent from the map (quality
// 0 on lookup), and "*" is stored as its own key without being expanded.
func parseAcceptEncoding(header string) map[string]float64 {
	out := map[string]float64{}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		coding := part
		q := 1.0

		if i := strings.IndexByte(part, ';'); i >= 0 {
			coding = strings.TrimSpace(part[:i])
			params := part[i+1:]
			if j := strings.Index(params, "q="); j >= 0 {
				if v, err := strconv.ParseFloat(strings.TrimSpace(params[j+2:]), 64); err == nil {
					q = v
				}
			}
		}

		out[strings.ToLower(coding)] = q
	}

	return out
}

func etagMatches(ifNoneMatch, etag string) bool {
	for _, tag := range strings.Split(ifNoneMatch, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || tag == etag {
			return true
		}
	}

	return false
}

func strongETag(b []byte) string {
	sum := sha256.Sum256(b)
	return `"` + fmt.Sprintf("%x", sum)[:32] + `"`
}

var extToMIME = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".mjs":  "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".woff": "font/woff",
	".woff2": "font/woff2",
	".ttf":  "font/ttf",
	".eot":  "application/vnd.ms-fontobject",
	".md":   "text/plain; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".pdf":  "application/pdf",
}

// contentTypeFor resolves the extension->MIME table of spec.md §6, falling
// back to a content sniff (grounded on the teacher's `aofei/mimesniffer`
// dependency) and finally to the generic octet-stream type.
func contentTypeFor(relPath string, body []byte) string {
	ext := strings.ToLower(filepath.Ext(relPath))

	if mt, ok := extToMIME[ext]; ok {
		return mt
	}

	if sniffed := mimesniffer.Sniff(body); sniffed != "" {
		return sniffed
	}

	return "application/octet-stream"
}

// decodePath percent-decodes each path segment independently and rejoins
// the segments with "/". An escaped "/" ("%2F") decodes to a literal "/"
// in the result, so the checks and file lookup that follow treat it as a
// separator.
func decodePath(relPath string) (string, error) {
	segs := strings.Split(relPath, "/")

	for i, seg := range segs {
		u, err := url.QueryUnescape(strings.ReplaceAll(seg, "+", "%2B"))
		if err != nil {
			return "", err
		}

		segs[i] = u
	}

	return strings.Join(segs, "/"), nil
}
