// Package discovery is ShadowBox's LAN Discovery Service (component F). It
// advertises a Box under a short rendezvous code over multicast DNS
// (RFC 6762), and browses/resolves codes advertised by peers on the same
// LAN. Message construction reuses github.com/miekg/dns the same way the
// teacher's internal resolver does, generalized here from a unicast
// request/response server to a real multicast advertise/browse listener.
package discovery

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/shadowbox/shadowbox/pkg/log"
	"github.com/shadowbox/shadowbox/pkg/shadowerr"
)

const (
	// MulticastAddr is the standard mDNS multicast group and port.
	MulticastAddr = "224.0.0.251:5353"

	serviceSuffix = "._shadowbox._tcp.local."
	codeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength    = 4

	advertiseInterval = 10 * time.Second
	ttlSeconds        = 30
)

// EventKind distinguishes the three shapes of discovery events a Browser
// emits as peers come and go.
type EventKind int

const (
	Added EventKind = iota
	Updated
	Removed
)

// Event is published to a Browser's channel whenever a peer's advertised
// Box appears, changes, or times out.
type Event struct {
	Kind     EventKind
	Code     string
	Addr     string // host:port of the Share Server
	IsPublic bool
	Name     string
}

// NewCode returns a fresh random 4-letter rendezvous code. Both public and
// private boxes get one (see DESIGN.md) — the only difference a public box
// has downstream is that the Share Server skips the AUTH step.
func NewCode() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", shadowerr.Wrap(shadowerr.IOError, "read entropy for code", err)
	}
	out := make([]byte, codeLength)
	for i, v := range b {
		out[i] = codeAlphabet[int(v)%len(codeAlphabet)]
	}
	return string(out), nil
}

func serviceName(code string) string {
	return strings.ToLower(code) + serviceSuffix
}

// Advertiser periodically announces one Box's rendezvous code over
// multicast DNS until Stop is called.
type Advertiser struct {
	conn     *net.UDPConn
	code     string
	port     int
	name     string
	isPublic bool
	hostname string

	cancel context.CancelFunc
	done   chan struct{}
}

// Advertise starts announcing code on the LAN, pointing peers at
// shareServerPort on this host. Call Stop to withdraw the announcement.
func Advertise(ctx context.Context, code, boxName string, isPublic bool, shareServerPort int) (*Advertiser, error) {
	group, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "resolve multicast addr", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "listen multicast", err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "shadowbox"
	}

	runCtx, cancel := context.WithCancel(ctx)
	a := &Advertiser{
		conn:     conn,
		code:     code,
		port:     shareServerPort,
		name:     boxName,
		isPublic: isPublic,
		hostname: hostname,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go a.loop(runCtx, group)
	return a, nil
}

func (a *Advertiser) loop(ctx context.Context, group *net.UDPAddr) {
	defer close(a.done)
	defer a.conn.Close()

	ticker := time.NewTicker(advertiseInterval)
	defer ticker.Stop()

	a.announce(group)
	for {
		select {
		case <-ticker.C:
			a.announce(group)
		case <-ctx.Done():
			a.withdraw(group)
			return
		}
	}
}

func (a *Advertiser) announce(group *net.UDPAddr) {
	msg := a.buildResponse(ttlSeconds)
	packed, err := msg.Pack()
	if err != nil {
		log.Logger.Error().Err(err).Msg("discovery: pack announce message")
		return
	}
	if _, err := a.conn.WriteToUDP(packed, group); err != nil {
		log.Logger.Error().Err(err).Msg("discovery: write announce message")
	}
}

func (a *Advertiser) withdraw(group *net.UDPAddr) {
	msg := a.buildResponse(0)
	packed, err := msg.Pack()
	if err != nil {
		return
	}
	_, _ = a.conn.WriteToUDP(packed, group)
}

func (a *Advertiser) buildResponse(ttl uint32) *dns.Msg {
	svc := serviceName(a.code)
	target := a.hostname + ".local."

	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true

	ptr := &dns.PTR{
		Hdr: dns.RR_Header{Name: "_shadowbox._tcp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
		Ptr: svc,
	}
	srv := &dns.SRV{
		Hdr:      dns.RR_Header{Name: svc, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: ttl},
		Priority: 0,
		Weight:   0,
		Port:     uint16(a.port),
		Target:   target,
	}
	txt := &dns.TXT{
		Hdr: dns.RR_Header{Name: svc, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttl},
		Txt: []string{
			"name=" + a.name,
			fmt.Sprintf("public=%t", a.isPublic),
		},
	}
	msg.Answer = append(msg.Answer, ptr, srv, txt)
	return msg
}

// Stop withdraws the announcement and closes the multicast listener.
func (a *Advertiser) Stop() {
	a.cancel()
	<-a.done
}

// Browser listens for peer announcements and tracks them, expiring entries
// whose TTL lapses without a refresh.
type Browser struct {
	conn    *net.UDPConn
	events  chan Event
	cancel  context.CancelFunc
	done    chan struct{}

	mu    sync.Mutex
	peers map[string]*peerState
}

type peerState struct {
	addr     string
	name     string
	isPublic bool
	expires  time.Time
}

// Browse starts listening for ShadowBox announcements on the LAN. Events
// are delivered on the returned Browser's Events channel until Stop is
// called, at which point the channel is closed.
func Browse(ctx context.Context) (*Browser, error) {
	group, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "resolve multicast addr", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "listen multicast", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b := &Browser{
		conn:   conn,
		events: make(chan Event, 32),
		cancel: cancel,
		done:   make(chan struct{}),
		peers:  make(map[string]*peerState),
	}

	go b.readLoop(runCtx)
	go b.expireLoop(runCtx)
	return b, nil
}

// Events returns the channel Added/Updated/Removed events are published
// on.
func (b *Browser) Events() <-chan Event { return b.events }

func (b *Browser) readLoop(ctx context.Context) {
	defer close(b.done)
	defer b.conn.Close()
	defer close(b.events)

	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		b.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		b.handleMessage(msg)
	}
}

func (b *Browser) handleMessage(msg *dns.Msg) {
	var code, addr, name string
	var isPublic bool
	var ttl uint32
	var port uint16

	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.PTR:
			code = strings.TrimSuffix(strings.TrimSuffix(rec.Ptr, serviceSuffix), ".")
			ttl = rec.Hdr.Ttl
		case *dns.SRV:
			port = rec.Port
			addr = strings.TrimSuffix(rec.Target, ".")
		case *dns.TXT:
			for _, kv := range rec.Txt {
				if v, ok := strings.CutPrefix(kv, "name="); ok {
					name = v
				}
				if v, ok := strings.CutPrefix(kv, "public="); ok {
					isPublic = v == "true"
				}
			}
		}
	}
	if code == "" {
		return
	}
	code = strings.ToUpper(code)
	hostPort := fmt.Sprintf("%s:%d", addr, port)

	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.peers[code]
	if ttl == 0 {
		if ok {
			delete(b.peers, code)
			b.publish(Event{Kind: Removed, Code: code})
		}
		return
	}

	kind := Added
	if ok {
		kind = Updated
	}
	b.peers[code] = &peerState{addr: hostPort, name: name, isPublic: isPublic, expires: time.Now().Add(time.Duration(ttl) * time.Second)}
	b.publish(Event{Kind: kind, Code: code, Addr: hostPort, IsPublic: isPublic, Name: name})
}

func (b *Browser) publish(e Event) {
	select {
	case b.events <- e:
	default:
		log.Logger.Warn().Str("code", e.Code).Msg("discovery: event channel full, dropping event")
	}
}

func (b *Browser) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.expireStale()
		case <-ctx.Done():
			return
		}
	}
}

func (b *Browser) expireStale() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for code, p := range b.peers {
		if now.After(p.expires) {
			delete(b.peers, code)
			b.publish(Event{Kind: Removed, Code: code})
		}
	}
}

// resolvePollInterval is how often Resolve rechecks the peer cache while
// waiting for an announcement to arrive.
const resolvePollInterval = 200 * time.Millisecond

// DefaultResolveTimeout is the bounded wait callers pass to Resolve when
// they don't have a more specific deadline in mind. It is shorter than
// advertiseInterval, so a peer that is not already cached is found only if
// one of its announcements arrives within that window.
const DefaultResolveTimeout = 3 * time.Second

// lookup returns the cached peer addr for code, if any.
func (b *Browser) lookup(code string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[strings.ToUpper(code)]
	if !ok {
		return "", false
	}
	return p.addr, true
}

// Resolve returns the host:port advertised for code. It is a single-shot
// lookup bounded by timeout (use DefaultResolveTimeout when the caller has
// no stronger preference): it polls the peer cache until code appears,
// ctx is cancelled, or timeout elapses, rather than only checking the
// instant it's called — a peer that started advertising moments ago would
// otherwise be wrongly reported shadowerr.NotFound.
func (b *Browser) Resolve(ctx context.Context, code string, timeout time.Duration) (string, error) {
	if addr, ok := b.lookup(code); ok {
		return addr, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if addr, ok := b.lookup(code); ok {
				return addr, nil
			}
		case <-deadline.C:
			return "", shadowerr.Newf(shadowerr.NotFound, "code %s not seen on the network within %s", code, timeout)
		case <-ctx.Done():
			return "", shadowerr.Wrap(shadowerr.Cancelled, "resolve code", ctx.Err())
		}
	}
}

// Stop stops browsing and closes the multicast listener.
func (b *Browser) Stop() {
	b.cancel()
	<-b.done
}
