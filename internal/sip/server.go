package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/ironpbx/ironpbx/internal/cdr"
	"github.com/ironpbx/ironpbx/internal/config"
	"github.com/ironpbx/ironpbx/internal/events"
	"github.com/ironpbx/ironpbx/internal/ivr"
	"github.com/ironpbx/ironpbx/internal/media"
	"github.com/ironpbx/ironpbx/internal/sdp"
	"github.com/ironpbx/ironpbx/internal/store"
	"github.com/ironpbx/ironpbx/internal/voicemail"
)

// housekeepingPeriod paces nonce expiry and rate-limiter garbage
// collection.
const housekeepingPeriod = 30 * time.Second

// Deps carries the engine components the server assembles around the
// SIP stack. Everything here is constructed in main and shared with the
// operations API.
type Deps struct {
	Extensions  store.ExtensionStore
	Media       *media.Manager
	Conferences *media.ConferenceManager
	Runner      *ivr.Runner
	Flows       *ivr.VoicemailFlows
	Mailboxes   *voicemail.Store
	Dialplan    *Dialplan
	Bus         *events.Bus
	CDR         cdr.Sink
	Logger      *slog.Logger
}

// Server wraps the sipgo stack with the IronPBX handlers: registrar,
// B2BUA core and the background loops that keep both healthy.
type Server struct {
	cfg       *config.Config
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	auth      *Authenticator
	registrar *Registrar
	limiter   *RateLimiter
	calls     *CallTable
	ringer    *Ringer
	handler   *Handler
	mwi       *MWINotifier
	bus       *events.Bus
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewServer creates a SIP server with all handlers registered.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sip")

	if cfg.SIPDebug {
		sip.SIPDebug = true
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("IronPBX"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	// The Contact we hand out must be routable, so it carries the
	// advertised media IP rather than the hostname.
	contact := sip.Uri{User: "ironpbx", Host: cfg.MediaIP(), Port: cfg.SIPPort}

	auth := NewAuthenticator(cfg.SIPRealm, deps.Extensions, logger)
	registrar := NewRegistrar(auth, deps.Bus, logger)
	limiter := NewRateLimiter()
	calls := NewCallTable(logger)
	ringer := NewRinger(client, contact, cfg.SIPRealm, logger)

	handler := NewHandler(HandlerConfig{
		Registrar:   registrar,
		Auth:        auth,
		Limiter:     limiter,
		Calls:       calls,
		Media:       deps.Media,
		Conferences: deps.Conferences,
		Extensions:  deps.Extensions,
		Dialplan:    deps.Dialplan,
		Ringer:      ringer,
		Runner:      deps.Runner,
		Flows:       deps.Flows,
		Mailboxes:   deps.Mailboxes,
		Bus:         deps.Bus,
		CDR:         deps.CDR,
		CodecPrefs:  sdp.PreferencesFromNames(cfg.CodecNames()),
		Contact:     contact,
		DataDir:     cfg.DataDir,
		RecordCalls: cfg.RecordCalls,
		InbandDTMF:  cfg.InbandDTMF,
		MaxCalls:    cfg.MaxCalls,
		RingTimeout: time.Duration(cfg.RingTimeoutSec) * time.Second,
		Logger:      logger,
	})

	mwi := NewMWINotifier(registrar, ringer, deps.Extensions, deps.Mailboxes, cfg.SIPRealm, logger)

	s := &Server{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		client:    client,
		auth:      auth,
		registrar: registrar,
		limiter:   limiter,
		calls:     calls,
		ringer:    ringer,
		handler:   handler,
		mwi:       mwi,
		bus:       deps.Bus,
		logger:    logger,
	}

	registrar.SetKeepaliveSender(s.sendKeepalive)
	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnRegister(s.registrar.HandleRegister)
	s.srv.OnInvite(s.handler.HandleInvite)
	s.srv.OnAck(s.handler.HandleAck)
	s.srv.OnCancel(s.handler.HandleCancel)
	s.srv.OnBye(s.handler.HandleBye)
	s.srv.OnRefer(s.handler.HandleRefer)
	s.srv.OnInfo(s.handler.HandleInfo)
	s.srv.OnOptions(s.handler.HandleOptions)
}

// Start begins listening on configured transports. It returns once the
// listeners are launched; fatal listener errors surface in the log.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	// Stale bindings from a previous life are worse than the gap until
	// phones re-register.
	s.registrar.Flush()

	udpAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	tcpAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", udpAddr)
		if err := s.srv.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", tcpAddr)
		if err := s.srv.ListenAndServe(ctx, "tcp", tcpAddr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	if s.cfg.TLSEnabled() {
		tlsAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPTLSPort)
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			s.cancel()
			return fmt.Errorf("loading tls certificate: %w", err)
		}

		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip tls listener starting", "addr", tlsAddr)
			if err := s.srv.ListenAndServeTLS(ctx, "tls", tlsAddr, tlsCfg); err != nil {
				s.logger.Error("sip tls listener stopped", "error", err)
			}
		}()
	}

	// Binding expiry and NAT keepalives.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.Run(ctx)
	}()

	// Message-waiting pushes on registration and mailbox changes.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mwi.Run(ctx, s.bus.Subscribe(64))
	}()

	// Nonce and rate-limiter garbage collection.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(housekeepingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.auth.CleanExpired()
				s.limiter.Cleanup()
			}
		}
	}()

	return nil
}

// Stop gracefully shuts down all SIP listeners and waits for goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Handler exposes the B2BUA core for the operations API (originate,
// active-call inspection).
func (s *Server) Handler() *Handler { return s.handler }

// Registrar exposes the location table for the operations API.
func (s *Server) Registrar() *Registrar { return s.registrar }

// Calls exposes the active call table.
func (s *Server) Calls() *CallTable { return s.calls }

// Guard exposes the auth brute-force guard for the operations API.
func (s *Server) Guard() *BruteForceGuard { return s.auth.Guard() }

// MWI exposes the message-waiting notifier so voicemail changes can
// trigger pushes.
func (s *Server) MWI() *MWINotifier { return s.mwi }

// sendKeepalive pushes an OPTIONS ping toward a NAT binding so the
// far-end firewall keeps its pinhole open between re-registrations.
func (s *Server) sendKeepalive(b Binding) {
	var recipient sip.Uri
	if err := sip.ParseUri(b.ContactURI, &recipient); err != nil {
		return
	}
	if host, port, err := splitTargetHostPort(b.Target); err == nil {
		recipient.Host = host
		recipient.Port = port
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(normalizeTransport(b.Transport))
	req.AppendHeader(sip.NewHeader("Call-ID", uuid.NewString()))
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "ironpbx", Host: s.cfg.SIPRealm},
		Params:  sip.HeaderParams{"tag": sip.GenerateTagN(16)},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: b.AOR, Host: s.cfg.SIPRealm},
		Params:  sip.HeaderParams{},
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.ringer.SendRequest(ctx, req); err != nil {
		s.logger.Debug("keepalive undeliverable",
			"aor", b.AOR,
			"target", b.Target,
			"error", err,
		)
	}
}
