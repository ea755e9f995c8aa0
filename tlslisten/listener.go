// Package tlslisten implements the TLS Listener of spec.md §4.I: a
// PROXY-protocol-aware net.Listener plus the optional ACME and h2c wiring
// that turns a plain address into a ready-to-serve net.Listener and
// *tls.Config pair.
//
// Grounded on the teacher's (`aofei/air`) `listener.go` for the PROXY
// protocol parsing and on `air.go`'s `Serve` method for the ACME manager
// construction, static cert-file loading, and h2c cleartext HTTP/2
// wrapping — generalized from Air-specific fields into a standalone
// Options value so this package has no dependency on the root server type.
package tlslisten

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// proxyProtocolSign is the binary-mode PROXY protocol v2 signature.
var proxyProtocolSign = []byte{
	0x0d, 0x0a, 0x0d, 0x0a,
	0x00, 0x0d, 0x0a, 0x51,
	0x55, 0x49, 0x54, 0x0a,
}

// Options configures Listen, per spec.md §4.I.
type Options struct {
	// ProxyEnabled turns on PROXY protocol v1/v2 parsing for every accepted
	// connection.
	//
	// Default value: false
	ProxyEnabled bool

	// ProxyRelayerIPWhitelist restricts PROXY protocol parsing to
	// connections whose peer address falls in one of these CIDRs/IPs. An
	// empty list allows any peer to speak PROXY, matching the teacher's
	// own default.
	ProxyRelayerIPWhitelist []string

	// ProxyReadHeaderTimeout bounds how long the first Read (or
	// RemoteAddr/LocalAddr call) on an accepted connection waits for a PROXY
	// header before giving up and treating the connection as plain TCP.
	//
	// Default value: 0 (no timeout)
	ProxyReadHeaderTimeout time.Duration

	// TLSCertFile and TLSKeyFile load a static certificate pair. Either
	// both or neither must be set.
	TLSCertFile string
	TLSKeyFile  string

	// TLSConfig, if non-nil, is cloned and used as the base TLS config;
	// TLSCertFile/TLSKeyFile and ACME certificates are layered on top.
	TLSConfig *tls.Config

	// ACMEEnabled turns on automatic certificate issuance via the ACME
	// protocol, per spec.md §4.I's optional ACME surface.
	ACMEEnabled bool

	// ACMEDirectoryURL is the ACME CA directory URL.
	//
	// Default value: https://acme-v02.api.letsencrypt.org/directory
	ACMEDirectoryURL string

	// ACMEHostWhitelist restricts automatic issuance to these hosts. It is
	// strongly recommended whenever ACMEEnabled is true.
	ACMEHostWhitelist []string

	// ACMECertRoot is the directory ACME-issued certificates are cached
	// under.
	//
	// Default value: "acme-certs"
	ACMECertRoot string

	// ACMERenewalWindow is how long before expiry a certificate is
	// renewed.
	//
	// Default value: 30 days
	ACMERenewalWindow time.Duration

	// H2CEnabled allows cleartext HTTP/2 (prior-knowledge h2c) when the
	// listener is not wrapped in TLS, per spec.md §4.I's optional h2c
	// surface.
	H2CEnabled bool

	// H2CIdleTimeout bounds idle h2c connections.
	H2CIdleTimeout time.Duration
}

// DefaultOptions returns Options with PROXY, ACME, and h2c all disabled,
// which yields a plain TCP listener — the HTTP/1.1-only default spec.md
// describes — with the ACME directory URL, cert root, and renewal window
// pre-filled for callers that turn ACME on.
func DefaultOptions() Options {
	return Options{
		ACMEDirectoryURL:  "https://acme-v02.api.letsencrypt.org/directory",
		ACMECertRoot:      "acme-certs",
		ACMERenewalWindow: 30 * 24 * time.Hour,
	}
}

// Listen opens a TCP listener on address, optionally wrapping it with
// PROXY protocol support and/or TLS (static cert or ACME), per spec.md
// §4.I. The returned handler is h, wrapped in h2c support when requested
// and no TLS config applies.
//
// When ACMEEnabled is set, the returned acmeHandler must be mounted on a
// plain-HTTP listener (port 80) to serve the ACME HTTP-01 challenge and
// redirect everything else to HTTPS; Listen does not open that second
// listener itself, mirroring the teacher's `Serve` which opens the
// HTTPS-enforced listener as a distinct `http.Server`.
func Listen(address string, opts Options, h http.Handler) (lis net.Listener, wrapped http.Handler, acmeHandler http.Handler, err error) {
	nl, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, nil, err
	}

	tcpListener, ok := nl.(*net.TCPListener)
	if !ok {
		nl.Close()
		return nil, nil, nil, fmt.Errorf("tlslisten: address %q did not yield a TCP listener", address)
	}

	pl, err := newProxyCapableListener(tcpListener, opts)
	if err != nil {
		nl.Close()
		return nil, nil, nil, err
	}

	tlsConfig, acmeHandler, err := buildTLSConfig(opts)
	if err != nil {
		pl.Close()
		return nil, nil, nil, err
	}

	if tlsConfig != nil {
		return tls.NewListener(pl, tlsConfig), h, acmeHandler, nil
	}

	if opts.H2CEnabled {
		h2s := &http2.Server{IdleTimeout: opts.H2CIdleTimeout}
		return pl, h2c.NewHandler(h, h2s), acmeHandler, nil
	}

	return pl, h, acmeHandler, nil
}

// buildTLSConfig assembles the effective *tls.Config from a static
// cert/key pair and/or an ACME manager, mirroring the teacher's `Serve`
// cert-loading and ACME-manager-construction block.
func buildTLSConfig(opts Options) (*tls.Config, http.Handler, error) {
	var tlsConfig *tls.Config
	if opts.TLSConfig != nil {
		tlsConfig = opts.TLSConfig.Clone()
	}

	if opts.TLSCertFile != "" && opts.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLSCertFile, opts.TLSKeyFile)
		if err != nil {
			return nil, nil, err
		}

		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}

		tlsConfig.Certificates = append(tlsConfig.Certificates, cert)
	}

	var acmeHandler http.Handler

	if opts.ACMEEnabled {
		manager := &autocert.Manager{
			Prompt:      autocert.AcceptTOS,
			Cache:       autocert.DirCache(opts.ACMECertRoot),
			RenewBefore: opts.ACMERenewalWindow,
		}

		if opts.ACMEDirectoryURL != "" {
			manager.Client = &acme.Client{DirectoryURL: opts.ACMEDirectoryURL}
		}

		if len(opts.ACMEHostWhitelist) > 0 {
			manager.HostPolicy = autocert.HostWhitelist(opts.ACMEHostWhitelist...)
		}

		acmeHandler = manager.HTTPHandler(nil)

		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}

		getCertificate := tlsConfig.GetCertificate
		tlsConfig.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if getCertificate != nil {
				if c, err := getCertificate(chi); err == nil && c != nil {
					return c, nil
				}
			}

			return manager.GetCertificate(chi)
		}

		for _, proto := range manager.TLSConfig().NextProtos {
			if !containsString(tlsConfig.NextProtos, proto) {
				tlsConfig.NextProtos = append(tlsConfig.NextProtos, proto)
			}
		}
	}

	if tlsConfig != nil {
		for _, proto := range []string{"h2", "http/1.1"} {
			if !containsString(tlsConfig.NextProtos, proto) {
				tlsConfig.NextProtos = append(tlsConfig.NextProtos, proto)
			}
		}
	}

	return tlsConfig, acmeHandler, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if strings.EqualFold(v, s) {
			return true
		}
	}

	return false
}

// proxyCapableListener wraps a *net.TCPListener, setting TCP keep-alive on
// every accepted connection and, when enabled, wrapping it in a proxyConn
// that transparently strips a leading PROXY protocol header — grounded
// verbatim on the teacher's `listener` type in `listener.go`.
type proxyCapableListener struct {
	*net.TCPListener

	opts                      Options
	allowedPROXYRelayerIPNets []*net.IPNet
}

func newProxyCapableListener(tl *net.TCPListener, opts Options) (*proxyCapableListener, error) {
	var ipNets []*net.IPNet

	for _, s := range opts.ProxyRelayerIPWhitelist {
		if ip := net.ParseIP(s); ip != nil {
			s = ip.String()
			switch {
			case ip.IsUnspecified():
				s += "/0"
			case ip.To4() != nil:
				s += "/32"
			default:
				s += "/128"
			}
		}

		if _, ipNet, _ := net.ParseCIDR(s); ipNet != nil {
			ipNets = append(ipNets, ipNet)
		}
	}

	return &proxyCapableListener{TCPListener: tl, opts: opts, allowedPROXYRelayerIPNets: ipNets}, nil
}

// Accept implements net.Listener.
func (l *proxyCapableListener) Accept() (net.Conn, error) {
	tc, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}

	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)

	if !l.opts.ProxyEnabled {
		return tc, nil
	}

	proxyable := len(l.allowedPROXYRelayerIPNets) == 0
	if !proxyable {
		host, _, _ := net.SplitHostPort(tc.RemoteAddr().String())
		ip := net.ParseIP(host)

		for _, ipNet := range l.allowedPROXYRelayerIPNets {
			if ipNet.Contains(ip) {
				proxyable = true
				break
			}
		}
	}

	if !proxyable {
		return tc, nil
	}

	return &proxyConn{
		Conn:              tc,
		bufReader:         bufio.NewReader(tc),
		readHeaderOnce:    &sync.Once{},
		readHeaderTimeout: l.opts.ProxyReadHeaderTimeout,
	}, nil
}

// proxyConn implements net.Conn, transparently consuming a PROXY protocol
// v1 or v2 header on first Read and exposing the relayed source/
// destination addresses — grounded verbatim on the teacher's `proxyConn`.
type proxyConn struct {
	net.Conn

	bufReader         *bufio.Reader
	srcAddr           *net.TCPAddr
	dstAddr           *net.TCPAddr
	readHeaderOnce    *sync.Once
	readHeaderError   error
	readHeaderTimeout time.Duration
}

func (pc *proxyConn) Read(b []byte) (int, error) {
	pc.readHeaderOnce.Do(pc.readHeader)
	if pc.readHeaderError != nil {
		return 0, pc.readHeaderError
	}

	return pc.bufReader.Read(b)
}

func (pc *proxyConn) LocalAddr() net.Addr {
	pc.readHeaderOnce.Do(pc.readHeader)
	if pc.dstAddr != nil {
		return pc.dstAddr
	}

	return pc.Conn.LocalAddr()
}

func (pc *proxyConn) RemoteAddr() net.Addr {
	pc.readHeaderOnce.Do(pc.readHeader)
	if pc.srcAddr != nil {
		return pc.srcAddr
	}

	return pc.Conn.RemoteAddr()
}

func (pc *proxyConn) readHeader() {
	if pc.readHeaderTimeout != 0 {
		pc.SetReadDeadline(time.Now().Add(pc.readHeaderTimeout))
		defer pc.SetReadDeadline(time.Time{})
	}

	defer func() {
		if pc.readHeaderError != nil && pc.readHeaderError != io.EOF {
			pc.Close()
			pc.bufReader = bufio.NewReader(pc.Conn)
		}
	}()

	isV1 := true
	for i := 0; i < 6; i++ { // len("PROXY ")
		b, err := pc.bufReader.Peek(i + 1)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				pc.readHeaderError = nil
				return
			}

			pc.readHeaderError = err
			return
		}

		if b[i] != "PROXY "[i] {
			isV1 = false
			break
		}
	}

	if isV1 {
		pc.readHeaderV1()
		return
	}

	pc.readHeaderV2()
}

// readHeaderV1 parses "PROXY <protocol> <src ip> <dst ip> <src port> <dst port>\r\n".
func (pc *proxyConn) readHeaderV1() {
	header, err := pc.bufReader.ReadString('\n')
	if err != nil {
		pc.readHeaderError = err
		return
	}

	header = strings.TrimRight(header, "\r\n")

	parts := strings.Split(header, " ")
	if len(parts) != 6 {
		pc.readHeaderError = fmt.Errorf("tlslisten: malformed proxy header line: %s", header)
		return
	}

	switch parts[1] {
	case "TCP4", "TCP6":
	default:
		pc.readHeaderError = fmt.Errorf("tlslisten: unsupported proxy transport protocol: %s", parts[1])
		return
	}

	srcIP := net.ParseIP(parts[2])
	if srcIP == nil {
		pc.readHeaderError = fmt.Errorf("tlslisten: invalid proxy source ip: %s", parts[2])
		return
	}

	dstIP := net.ParseIP(parts[3])
	if dstIP == nil {
		pc.readHeaderError = fmt.Errorf("tlslisten: invalid proxy destination ip: %s", parts[3])
		return
	}

	srcPort, err := strconv.Atoi(parts[4])
	if err != nil {
		pc.readHeaderError = fmt.Errorf("tlslisten: invalid proxy source port: %s", parts[4])
		return
	}

	dstPort, err := strconv.Atoi(parts[5])
	if err != nil {
		pc.readHeaderError = fmt.Errorf("tlslisten: invalid proxy destination port: %s", parts[5])
		return
	}

	pc.srcAddr = &net.TCPAddr{IP: srcIP, Port: srcPort}
	pc.dstAddr = &net.TCPAddr{IP: dstIP, Port: dstPort}
}

// readHeaderV2 parses the binary-mode PROXY protocol v2 header.
func (pc *proxyConn) readHeaderV2() {
	for i := 0; i < len(proxyProtocolSign); i++ {
		b, err := pc.bufReader.Peek(i + 1)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				pc.readHeaderError = nil
				return
			}

			pc.readHeaderError = err
			return
		}

		if b[i] != proxyProtocolSign[i] {
			return
		}
	}

	if _, err := pc.bufReader.Discard(len(proxyProtocolSign)); err != nil {
		pc.readHeaderError = err
		return
	}

	b, err := pc.bufReader.ReadByte()
	if err != nil {
		pc.readHeaderError = err
		return
	}

	if b&0xf0 != 0x20 {
		pc.readHeaderError = errors.New("tlslisten: unsupported proxy protocol version")
		return
	} else if b&0x0f != 0x01 {
		pc.readHeaderError = errors.New("tlslisten: unsupported proxy command")
		return
	}

	b, err = pc.bufReader.ReadByte()
	if err != nil {
		pc.readHeaderError = err
		return
	}

	switch b & 0xf0 {
	case 0x10, 0x20:
	default:
		pc.readHeaderError = errors.New("tlslisten: unsupported proxy address family")
		return
	}

	if b&0x0f != 0x01 {
		pc.readHeaderError = errors.New("tlslisten: unsupported proxy transport protocol")
		return
	}

	var expected uint16
	switch b {
	case 0x11:
		expected = 12
	case 0x21:
		expected = 36
	default:
		pc.readHeaderError = errors.New("tlslisten: unsupported proxy address family/protocol combination")
		return
	}

	var addressLength uint16
	if err := binary.Read(io.LimitReader(pc.bufReader, 2), binary.BigEndian, &addressLength); err != nil {
		pc.readHeaderError = fmt.Errorf("tlslisten: failed to read proxy address length: %v", err)
		return
	}

	if addressLength != expected {
		pc.readHeaderError = fmt.Errorf("tlslisten: invalid proxy address length: %d", addressLength)
		return
	}

	var srcIP, dstIP net.IP
	switch addressLength {
	case 12:
		srcIP, dstIP = make(net.IP, 4), make(net.IP, 4)
	case 36:
		srcIP, dstIP = make(net.IP, 16), make(net.IP, 16)
	}

	srcPort, dstPort := make([]byte, 2), make([]byte, 2)

	payload := append(append(append(srcIP, dstIP...), srcPort...), dstPort...)
	if err := binary.Read(io.LimitReader(pc.bufReader, int64(addressLength)), binary.BigEndian, payload); err != nil {
		pc.readHeaderError = fmt.Errorf("tlslisten: failed to read proxy addresses and ports: %v", err)
		return
	}

	pc.srcAddr = &net.TCPAddr{IP: srcIP, Port: int(binary.BigEndian.Uint16(srcPort))}
	pc.dstAddr = &net.TCPAddr{IP: dstIP, Port: int(binary.BigEndian.Uint16(dstPort))}
}
