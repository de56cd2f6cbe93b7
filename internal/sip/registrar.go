package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/ironpbx/ironpbx/internal/events"
)

const (
	defaultExpiry = 3600
	minExpiry     = 60
	maxExpiry     = 86400

	// sweepPeriod is how often expired bindings are removed.
	sweepPeriod = time.Second

	// keepaliveInterval is the NAT pinhole refresh deadline. A NAT binding
	// the registrar has not heard from within this interval gets an
	// OPTIONS keep-alive from our side.
	keepaliveInterval = 28 * time.Second
)

// Binding is one registered contact for an AOR. An extension may hold
// several bindings (desk phone plus softphone). Target is where in-dialog
// requests are actually routed: for NATed devices it is the observed SIP
// source rather than the advertised Contact host.
type Binding struct {
	AOR        string    `json:"aor"`
	ContactURI string    `json:"contact_uri"`
	Target     string    `json:"target"`
	Transport  string    `json:"transport"`
	NAT        bool      `json:"nat"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
	ExpiresAt  time.Time `json:"expires_at"`

	lastKeepalive time.Time
}

// Live reports whether the binding has not yet expired.
func (b *Binding) Live(now time.Time) bool { return now.Before(b.ExpiresAt) }

// KeepaliveSender pushes an OPTIONS ping toward a NAT binding. Wired in by
// the server, which owns the SIP client.
type KeepaliveSender func(b Binding)

// Registrar maintains the in-memory location table: AOR → live bindings.
// All bindings are lost on restart on purpose; phones re-register within
// their refresh interval and stale rebinding data after an upgrade causes
// worse failure modes than a short registration gap.
type Registrar struct {
	auth   *Authenticator
	events *events.Bus
	logger *slog.Logger

	keepalive KeepaliveSender

	mu       sync.RWMutex
	bindings map[string][]*Binding // keyed by AOR (extension number)
}

// NewRegistrar creates an empty registrar. bus may be nil in tests.
func NewRegistrar(auth *Authenticator, bus *events.Bus, logger *slog.Logger) *Registrar {
	return &Registrar{
		auth:     auth,
		events:   bus,
		logger:   logger.With("subsystem", "registrar"),
		bindings: make(map[string][]*Binding),
	}
}

// SetKeepaliveSender installs the OPTIONS sender used for NAT keep-alives.
func (r *Registrar) SetKeepaliveSender(fn KeepaliveSender) {
	r.mu.Lock()
	r.keepalive = fn
	r.mu.Unlock()
}

// HandleRegister processes a REGISTER request: digest auth, contact
// parsing, NAT target rewriting, and binding upsert/removal.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	ext := r.auth.Authenticate(req, tx)
	if ext == nil {
		return // Authenticate already responded
	}

	aor := req.To().Address.User
	if aor == "" {
		r.respondError(req, tx, 400, "Bad Request")
		return
	}
	if aor != ext.Number {
		// Registering somebody else's AOR is not a thing here.
		r.logger.Warn("third-party register refused",
			"aor", aor,
			"authenticated", ext.Number,
			"source", req.Source(),
		)
		r.respondError(req, tx, 403, "Forbidden")
		return
	}

	contact := req.Contact()
	if contact == nil {
		// Query: report current bindings without changing anything.
		r.respondBindings(req, tx, aor)
		return
	}

	expiry := requestedExpiry(req, contact)

	if expiry == 0 || contact.Address.Wildcard {
		r.unregister(req, tx, aor, contact)
		return
	}

	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	b := r.upsert(aor, contact, req.Source(), req.Transport(), expiry, userAgent)

	r.logger.Info("extension registered",
		"aor", aor,
		"contact", b.ContactURI,
		"target", b.Target,
		"nat", b.NAT,
		"transport", b.Transport,
		"expires", expiry,
	)
	r.publish(events.RegistrationAdded, aor, b)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// Lookup returns the live bindings for an AOR, newest registration first.
func (r *Registrar) Lookup(aor string) []Binding {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Binding
	for _, b := range r.bindings[aor] {
		if b.Live(now) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// ListBindings returns every live binding. Diagnostics surface.
func (r *Registrar) ListBindings() []Binding {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Binding
	for _, bs := range r.bindings {
		for _, b := range bs {
			if b.Live(now) {
				out = append(out, *b)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AOR != out[j].AOR {
			return out[i].AOR < out[j].AOR
		}
		return out[i].ContactURI < out[j].ContactURI
	})
	return out
}

// Count returns the number of live bindings.
func (r *Registrar) Count() int {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, bs := range r.bindings {
		for _, b := range bs {
			if b.Live(now) {
				n++
			}
		}
	}
	return n
}

// DropBinding removes bindings for an AOR. With contactURI empty every
// binding for the AOR goes; otherwise only the matching contact. Returns
// how many bindings were dropped.
func (r *Registrar) DropBinding(aor, contactURI string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	bs := r.bindings[aor]
	if len(bs) == 0 {
		return 0
	}

	var kept []*Binding
	dropped := 0
	for _, b := range bs {
		if contactURI == "" || b.ContactURI == contactURI {
			dropped++
			r.publishLocked(events.RegistrationRemoved, aor, b)
			continue
		}
		kept = append(kept, b)
	}
	if len(kept) == 0 {
		delete(r.bindings, aor)
	} else {
		r.bindings[aor] = kept
	}
	if dropped > 0 {
		r.logger.Info("bindings dropped", "aor", aor, "count", dropped)
	}
	return dropped
}

// Touch refreshes LastSeen for every binding routed at the given source.
// Called when the device sends us anything (OPTIONS keep-alive, in-dialog
// traffic), so our own keep-alives stay quiet while the device is chatty.
func (r *Registrar) Touch(source string) {
	if source == "" {
		return
	}
	now := time.Now()
	r.mu.Lock()
	for _, bs := range r.bindings {
		for _, b := range bs {
			if b.Target == source {
				b.LastSeen = now
			}
		}
	}
	r.mu.Unlock()
}

// Flush drops every binding. Called once at server start so a restarted
// process never routes to bindings from a previous life.
func (r *Registrar) Flush() {
	r.mu.Lock()
	n := len(r.bindings)
	r.bindings = make(map[string][]*Binding)
	r.mu.Unlock()
	if n > 0 {
		r.logger.Info("registrar flushed", "aors", n)
	}
}

// Sweep removes bindings past their deadline and returns how many went.
func (r *Registrar) Sweep() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for aor, bs := range r.bindings {
		var kept []*Binding
		for _, b := range bs {
			if b.Live(now) {
				kept = append(kept, b)
				continue
			}
			removed++
			r.publishLocked(events.RegistrationExpired, aor, b)
			r.logger.Info("binding expired",
				"aor", aor,
				"contact", b.ContactURI,
			)
		}
		if len(kept) == 0 {
			delete(r.bindings, aor)
		} else {
			r.bindings[aor] = kept
		}
	}
	return removed
}

// Run drives the registrar maintenance loop: a one second expiry sweep
// plus NAT keep-alives. Blocks until ctx is cancelled.
func (r *Registrar) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()

	r.logger.Info("registrar sweeper started", "interval", sweepPeriod.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registrar sweeper stopped")
			return
		case <-ticker.C:
			r.Sweep()
			r.sendKeepalives()
		}
	}
}

// sendKeepalives pings NAT bindings we have not heard from within the
// keep-alive interval. Client-sent OPTIONS refresh LastSeen via Touch and
// suppress these.
func (r *Registrar) sendKeepalives() {
	now := time.Now()

	r.mu.Lock()
	fn := r.keepalive
	var due []Binding
	if fn != nil {
		for _, bs := range r.bindings {
			for _, b := range bs {
				if !b.NAT || !b.Live(now) {
					continue
				}
				if now.Sub(b.LastSeen) < keepaliveInterval {
					continue
				}
				if now.Sub(b.lastKeepalive) < keepaliveInterval {
					continue
				}
				b.lastKeepalive = now
				due = append(due, *b)
			}
		}
	}
	r.mu.Unlock()

	for _, b := range due {
		fn(b)
	}
}

func (r *Registrar) upsert(aor string, contact *sip.ContactHeader, source, transport string, expiry int, userAgent string) *Binding {
	contactURI := contact.Address.String()
	target, nat := routableTarget(contact, source)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bindings[aor] {
		if b.ContactURI == contactURI {
			b.Target = target
			b.Transport = normalizeTransport(transport)
			b.NAT = nat
			b.UserAgent = userAgent
			b.LastSeen = now
			b.ExpiresAt = now.Add(time.Duration(expiry) * time.Second)
			return b
		}
	}

	b := &Binding{
		AOR:        aor,
		ContactURI: contactURI,
		Target:     target,
		Transport:  normalizeTransport(transport),
		NAT:        nat,
		UserAgent:  userAgent,
		CreatedAt:  now,
		LastSeen:   now,
		ExpiresAt:  now.Add(time.Duration(expiry) * time.Second),
	}
	r.bindings[aor] = append(r.bindings[aor], b)
	return b
}

func (r *Registrar) unregister(req *sip.Request, tx sip.ServerTransaction, aor string, contact *sip.ContactHeader) {
	if contact.Address.Wildcard {
		n := r.DropBinding(aor, "")
		r.logger.Info("all bindings removed", "aor", aor, "count", n)
	} else {
		r.DropBinding(aor, contact.Address.String())
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send unregister response", "error", err)
	}
}

func (r *Registrar) respondBindings(req *sip.Request, tx sip.ServerTransaction, aor string) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	now := time.Now()
	for _, b := range r.Lookup(aor) {
		var uri sip.Uri
		if err := sip.ParseUri(b.ContactURI, &uri); err != nil {
			continue
		}
		ch := &sip.ContactHeader{Address: uri, Params: sip.NewParams()}
		ch.Params.Add("expires", strconv.Itoa(int(b.ExpiresAt.Sub(now).Seconds())))
		res.AppendHeader(ch)
	}
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send binding query response", "error", err)
	}
}

func (r *Registrar) publish(t events.Type, aor string, b *Binding) {
	if r.events == nil {
		return
	}
	r.events.Publish(events.Event{
		Type:   t,
		At:     time.Now(),
		AOR:    aor,
		Fields: map[string]string{"contact": b.ContactURI, "target": b.Target, "nat": strconv.FormatBool(b.NAT)},
	})
}

// publishLocked is publish for callers already holding r.mu. The bus copies
// the event into subscriber buffers without calling back into the registrar,
// so holding the lock across it is safe.
func (r *Registrar) publishLocked(t events.Type, aor string, b *Binding) {
	r.publish(t, aor, b)
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register error response",
			"code", code,
			"error", err,
		)
	}
}

// requestedExpiry resolves the client's requested binding lifetime:
// Contact expires parameter, then Expires header, then the default.
func requestedExpiry(req *sip.Request, contact *sip.ContactHeader) int {
	if contact.Params != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(val); err == nil && n >= 0 {
				return n
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil && n >= 0 {
			return n
		}
	}
	return defaultExpiry
}

// routableTarget decides where requests for this binding are sent. When the
// advertised Contact host:port differs from the observed SIP source the
// device is assumed NATed and the source wins.
func routableTarget(contact *sip.ContactHeader, source string) (string, bool) {
	host := contact.Address.Host
	port := contact.Address.Port
	if port == 0 {
		port = 5060
	}
	advertised := net.JoinHostPort(host, strconv.Itoa(port))

	if source == "" || source == advertised {
		return advertised, false
	}

	srcHost, srcPort, err := net.SplitHostPort(source)
	if err != nil {
		return advertised, false
	}
	if srcHost == host && srcPort == strconv.Itoa(port) {
		return advertised, false
	}
	return net.JoinHostPort(srcHost, srcPort), true
}

// normalizeTransport maps a wire transport name to the upper-case form
// sipgo expects on outbound requests.
func normalizeTransport(tp string) string {
	switch strings.ToLower(tp) {
	case "tcp":
		return "TCP"
	case "tls":
		return "TLS"
	default:
		return "UDP"
	}
}

// splitTargetHostPort parses a Target back into host and numeric port.
func splitTargetHostPort(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("parsing binding target %q: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parsing binding target port %q: %w", portStr, err)
	}
	return host, port, nil
}
