// Package gossip is the peer-to-peer transport. Each account runs an HTTPS endpoint with a
// self-signed certificate, announces it over mDNS and addresses peers by the digest of their
// certificate. A delivery is acknowledged once the receiving side has processed the packet.
package gossip

import (
	"bytes"
	"context"
	crypto_rand "crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	db "github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/migration"
	"github.com/meow-io/go-chatmail/transport"
	"go.uber.org/zap"
)

const (
	DigestScheme     = "id"
	serviceTypeProto = "_chatmail._tcp"
	contentType      = "application/x-chatmail-packet"
	packetOverhead   = 64 * 1024
)

var ErrNotFound = errors.New("gossip: peer not found")

func NewURL(digest [32]byte) string {
	return fmt.Sprintf("%s:sha-256;%s", DigestScheme, base64.URLEncoding.EncodeToString(digest[:]))
}

func ParseURL(u string) (digest [32]byte, err error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return
	}

	if parsedURL.Scheme != DigestScheme {
		err = fmt.Errorf("expected scheme %s, got %s", DigestScheme, parsedURL.Scheme)
		return
	}

	if !strings.HasPrefix(parsedURL.Opaque, "sha-256;") {
		err = fmt.Errorf("expected opaque to start with sha-256;, got %s", parsedURL.Opaque)
		return
	}

	data, err := base64.URLEncoding.DecodeString(parsedURL.Opaque[8:])
	if err != nil {
		return
	}
	if len(data) != 32 {
		err = fmt.Errorf("expected length 32, got %d", len(data))
		return
	}
	copy(digest[:], data)
	return
}

func serviceID(digest []byte) string {
	return fmt.Sprintf("%x", digest[0:8])
}

type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return nil, err
	}
	if err := tc.SetKeepAlivePeriod(3 * time.Minute); err != nil {
		return nil, err
	}
	return tc, nil
}

type endpoint struct {
	CertDigest []byte `db:"cert_digest"`
	PrivateDer []byte `db:"private_der"`
	PublicDer  []byte `db:"public_der"`
}

func (e *endpoint) URL() string {
	return NewURL([32]byte(e.CertDigest))
}

func (e *endpoint) certificate() (tls.Certificate, error) {
	var out tls.Certificate
	publicCert, err := x509.ParseCertificate(e.PublicDer)
	if err != nil {
		return out, err
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(e.PrivateDer)
	if err != nil {
		return out, err
	}
	out.Certificate = append(out.Certificate, publicCert.Raw)
	out.PrivateKey = privateKey
	return out, nil
}

// Locator returns the https base addresses a peer URL can currently be reached at.
type Locator func(ctx context.Context, peerURL string) ([]string, error)

type Manager struct {
	config    *config.Config
	db        *db.Database
	log       *zap.SugaredLogger
	receiver  transport.Receiver
	endpoint  *endpoint
	client    *http.Client
	locate    Locator
	serveLock sync.Mutex
	server    *http.Server
	zeroconf  *zeroconf.Server
	addr      string
	finished  sync.WaitGroup
}

func NewManager(c *config.Config, d *db.Database, receiver transport.Receiver) (*Manager, error) {
	if err := d.Migrate("_transport_gossip", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _gossip_endpoints (
		cert_digest BLOB PRIMARY KEY,
		private_der BLOB NOT NULL,
		public_der BLOB NOT NULL
	);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	m := &Manager{
		config:   c,
		db:       d,
		log:      c.Logger("transport/gossip"),
		receiver: receiver,
	}
	m.locate = m.lookup
	if err := m.ensureEndpoint(); err != nil {
		return nil, err
	}
	cert, err := m.endpoint.certificate()
	if err != nil {
		return nil, err
	}
	m.client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS13,
				InsecureSkipVerify: true,
				Certificates:       []tls.Certificate{cert},
			},
		},
	} // #nosec G402
	return m, nil
}

// URL is the address peers use to reach this account.
func (m *Manager) URL() string {
	return m.endpoint.URL()
}

func (m *Manager) ensureEndpoint() error {
	return m.db.Run("ensure gossip endpoint", func(tx *db.Tx) error {
		var es []*endpoint
		if err := tx.Select(&es, "SELECT * FROM _gossip_endpoints"); err != nil {
			return fmt.Errorf("gossip: error getting endpoints: %w", err)
		}
		if len(es) != 0 {
			m.endpoint = es[0]
			return nil
		}
		e, err := createEndpoint()
		if err != nil {
			return err
		}
		if _, err := tx.NamedExec("INSERT INTO _gossip_endpoints (private_der, public_der, cert_digest) VALUES (:private_der, :public_der, :cert_digest)", e); err != nil {
			return fmt.Errorf("gossip: error inserting endpoint: %w", err)
		}
		m.endpoint = e
		return nil
	})
}

func createEndpoint() (*endpoint, error) {
	priv, err := rsa.GenerateKey(crypto_rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	publicDigest := sha256.Sum256(priv.Public().(*rsa.PublicKey).N.Bytes())
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(now.Unix()),
		NotBefore:             now,
		NotAfter:              now.AddDate(100, 0, 0),
		SubjectKeyId:          publicDigest[:],
		BasicConstraintsValid: true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage: x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}

	cert, err := x509.CreateCertificate(crypto_rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(cert)
	return &endpoint{
		CertDigest: digest[:],
		PublicDer:  cert,
		PrivateDer: x509.MarshalPKCS1PrivateKey(priv),
	}, nil
}

func (m *Manager) Start() error {
	port, err := m.serve("")
	if err != nil {
		return err
	}
	return m.announce(port)
}

// serve starts the HTTPS endpoint on listenAddr (":0" when empty) and returns its port.
func (m *Manager) serve(listenAddr string) (int, error) {
	m.serveLock.Lock()
	defer m.serveLock.Unlock()
	if m.server != nil {
		return 0, errors.New("gossip: already serving")
	}
	if listenAddr == "" {
		listenAddr = ":0"
	}

	cert, err := m.endpoint.certificate()
	if err != nil {
		return 0, err
	}
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.RequireAnyClientCert,
		Certificates: []tls.Certificate{cert},
	}

	ln, err := net.Listen("tcp", listenAddr) // #nosec G102
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	tlsListener := tls.NewListener(tcpKeepAliveListener{ln.(*net.TCPListener)}, tlsConfig)

	mux := http.NewServeMux()
	mux.Handle("/", handler{m})
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 500 * time.Millisecond,
		ReadTimeout:       time.Duration(m.config.RequestTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(m.config.RequestTimeoutMs) * time.Millisecond,
	}
	m.addr = ln.Addr().String()

	m.finished.Add(1)
	go func(s *http.Server) {
		defer m.finished.Done()
		if err := s.Serve(tlsListener); !errors.Is(err, http.ErrServerClosed) {
			m.log.Warnf("error serving %v", err)
		}
	}(m.server)

	m.log.Debugf("serving %s on port %d", m.URL(), port)
	return port, nil
}

func (m *Manager) announce(port int) error {
	service, err := zeroconf.Register(
		serviceID(m.endpoint.CertDigest), // service instance name
		serviceTypeProto,                 // service type and protocol
		"local.",                         // service domain
		port,                             // service port
		[]string{m.URL()},                // service metadata
		nil,                              // register on all network interfaces
	)
	if err != nil {
		return fmt.Errorf("gossip: error registering service: %w", err)
	}
	m.serveLock.Lock()
	m.zeroconf = service
	m.serveLock.Unlock()
	return nil
}

func (m *Manager) Shutdown() error {
	m.serveLock.Lock()
	server, service := m.server, m.zeroconf
	m.server, m.zeroconf = nil, nil
	m.serveLock.Unlock()

	if service != nil {
		service.Shutdown()
	}
	var err error
	if server != nil {
		err = server.Shutdown(context.Background())
	}
	m.finished.Wait()
	return err
}

// Send posts the packet in out to every recipient URL. It fails if any recipient could not be reached.
func (m *Manager) Send(ctx context.Context, out *transport.Outbound) error {
	if len(out.Recipients) == 0 {
		return fmt.Errorf("gossip: %s has no recipients: %w", out.LogicalID, transport.ErrPermanent)
	}
	for _, to := range out.Recipients {
		if _, err := ParseURL(to); err != nil {
			return fmt.Errorf("gossip: bad peer url %s: %w: %w", to, transport.ErrPermanent, err)
		}
		addrs, err := m.locate(ctx, to)
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, to)
		}
		for _, addr := range addrs {
			if err = m.request(ctx, addr, out.Payload); err == nil {
				break
			}
			m.log.Debugf("sending %s to %s at %s failed: %v", out.LogicalID, to, addr, err)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) lookup(ctx context.Context, to string) ([]string, error) {
	digest, err := ParseURL(to)
	if err != nil {
		return nil, err
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	timeout := time.Duration(m.config.LookupTimeoutMs) * time.Millisecond
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Lookup(lookupCtx, serviceID(digest[:]), serviceTypeProto, "local.", entries); err != nil {
		return nil, err
	}

	var addrs []string
	for {
		select {
		case <-lookupCtx.Done():
			return addrs, nil
		case entry, ok := <-entries:
			if !ok {
				return addrs, nil
			}
			if len(entry.Text) == 0 || entry.Text[0] != to {
				continue
			}
			for _, ip := range entry.AddrIPv4 {
				addrs = append(addrs, fmt.Sprintf("https://%s:%d", ip.String(), entry.Port))
			}
			for _, ip := range entry.AddrIPv6 {
				addrs = append(addrs, fmt.Sprintf("https://[%s]:%d", ip.String(), entry.Port))
			}
			if len(addrs) != 0 {
				return addrs, nil
			}
		}
	}
}

// Scan browses for peers for the lifetime of ctx and returns the URLs seen.
func (m *Manager) Scan(ctx context.Context) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, serviceTypeProto, "local.", entries); err != nil {
		return nil, err
	}

	scanned := make([]string, 0)
	for {
		select {
		case <-ctx.Done():
			return scanned, nil
		case entry, ok := <-entries:
			if !ok {
				return scanned, nil
			}
			if len(entry.Text) == 0 || entry.Text[0] == m.URL() {
				continue
			}
			m.log.Debugf("got an entry while scanning %s", entry.Text[0])
			scanned = append(scanned, entry.Text[0])
		}
	}
}

func (m *Manager) request(ctx context.Context, to string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(m.config.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "POST", to, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", contentType)
	res, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	switch {
	case res.StatusCode == http.StatusOK:
		return nil
	case res.StatusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("gossip: %s rejected packet: %w", to, transport.ErrPermanent)
	default:
		return fmt.Errorf("gossip: %s replied %d", to, res.StatusCode)
	}
}

type handler struct {
	m *Manager
}

func (h handler) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost || req.TLS == nil || len(req.TLS.PeerCertificates) == 0 {
		res.WriteHeader(http.StatusBadRequest)
		return
	}
	from := NewURL(sha256.Sum256(req.TLS.PeerCertificates[0].Raw))

	body, err := io.ReadAll(http.MaxBytesReader(res, req.Body, h.m.config.MaxAttachmentBytes+packetOverhead))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			res.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		h.m.log.Warnf("error reading body from %s: %v", from, err)
		res.WriteHeader(http.StatusBadRequest)
		return
	}

	done := make(chan error, 1)
	in := &transport.Inbound{
		Transport:   envelope.TransportGossip,
		TransportID: envelope.PacketID(body),
		Raw:         body,
		Ack:         func(err error) { done <- err },
	}
	if err := h.m.receiver(req.Context(), in); err != nil {
		h.m.log.Warnf("error accepting packet from %s: %v", from, err)
		res.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	select {
	case <-req.Context().Done():
		return
	case err := <-done:
		if err != nil {
			h.m.log.Warnf("error processing packet from %s: %v", from, err)
			res.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	res.WriteHeader(http.StatusOK)
}
