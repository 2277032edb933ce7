// Package core implements the chat routing fabric: the connection
// registry, fragment reassembly, the undelivered queue, per-user
// statistics, and the ChatServer orchestrator that ties them to a
// transport through per-connection callbacks.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"wschat/internal/auth"
	"wschat/internal/config"
	"wschat/internal/protocol"
)

// MessageListener is an out-of-band consumer (bot, webhook) invoked for
// every routed payload, independent of recipient delivery. Listeners run
// synchronously on the routing goroutine and must not block.
type MessageListener func(protocol.MessagePayload)

// Observer receives routing telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	ConnCount(n int)
	MessageRouted(delivered bool)
	UndeliveredEnqueued()
	UndeliveredDropped()
	WatchdogDisconnects(n int)
}

type nopObserver struct{}

func (nopObserver) ConnCount(int)           {}
func (nopObserver) MessageRouted(bool)      {}
func (nopObserver) UndeliveredEnqueued()    {}
func (nopObserver) UndeliveredDropped()     {}
func (nopObserver) WatchdogDisconnects(int) {}

// ChatServer routes message payloads between authenticated connections.
// The transport invokes HandleOpen, HandleFrame, HandleClose and
// HandleError from its I/O goroutines; all of them are safe under
// concurrent delivery on distinct connections and never propagate
// panics back into the transport.
type ChatServer struct {
	registry    *Registry
	frames      *Reassembler
	undelivered *UndeliveredQueue
	stats       *Stats

	authn auth.Authenticator
	obs   Observer

	maxMessageSize       int64
	enableDeliveryStatus bool
	enableSendBack       bool
	enableUndelivered    bool
	ignoreSendBack       map[string]struct{}
	lifetime             time.Duration

	listenersMu      sync.Mutex
	messageListeners []MessageListener
	stopListeners    []func()

	// Overridable for tests.
	now          func() time.Time
	tickInterval time.Duration
	pongGrace    time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChatServer builds the routing fabric from validated settings.
// A nil authenticator accepts everyone; a nil observer discards telemetry.
func NewChatServer(cfg config.Settings, authn auth.Authenticator, obs Observer) (*ChatServer, error) {
	maxSize, err := cfg.MaxMessageBytes()
	if err != nil {
		return nil, err
	}
	if authn == nil {
		authn = auth.NoAuth{}
	}
	if obs == nil {
		obs = nopObserver{}
	}

	ignore := make(map[string]struct{}, len(cfg.Chat.Message.IgnoreTypesSendBack))
	for _, t := range cfg.Chat.Message.IgnoreTypesSendBack {
		ignore[strings.ToLower(t)] = struct{}{}
	}

	return &ChatServer{
		registry:             NewRegistry(),
		frames:               NewReassembler(),
		undelivered:          NewUndeliveredQueue(cfg.Chat.UndeliveredQueueCap),
		stats:                NewStats(),
		authn:                authn,
		obs:                  obs,
		maxMessageSize:       maxSize,
		enableDeliveryStatus: cfg.Chat.Message.EnableDeliveryStatus,
		enableSendBack:       cfg.Chat.Message.EnableSendBack,
		enableUndelivered:    cfg.Chat.EnableUndeliveredQueue,
		ignoreSendBack:       ignore,
		lifetime:             time.Duration(cfg.Server.Watchdog.ConnectionLifetimeSeconds) * time.Second,
		now:                  time.Now,
		tickInterval:         time.Minute,
		pongGrace:            2 * time.Second,
		stop:                 make(chan struct{}),
	}, nil
}

// Stats exposes the per-user counters for the REST surface and the
// persistence flusher.
func (s *ChatServer) Stats() *Stats {
	return s.stats
}

// ConnectionCount returns the live connection total.
func (s *ChatServer) ConnectionCount() int {
	return s.registry.ConnCount()
}

// AddMessageListener appends an out-of-band payload consumer.
func (s *ChatServer) AddMessageListener(l MessageListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.messageListeners = append(s.messageListeners, l)
}

// AddStopListener appends a callback invoked once during Stop.
func (s *ChatServer) AddStopListener(l func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.stopListeners = append(s.stopListeners, l)
}

// HandleOpen authenticates and registers a new connection. Returns false
// when the connection was rejected; a close frame has then already been
// submitted and the transport should drop the socket.
func (s *ChatServer) HandleOpen(conn Connection, r *http.Request) bool {
	defer s.recoverCallback("handle open")

	if !s.authn.Validate(r) {
		conn.SendClose(protocol.CloseUnauthorized, "Unauthorized")
		return false
	}

	query := r.URL.Query()
	if len(query) == 0 {
		slog.Warn("connect rejected, no query params", "remote", conn.RemoteAddr())
		conn.SendClose(protocol.CloseInvalidQueryParams, "Invalid request")
		return false
	}
	rawID := query.Get("id")
	if rawID == "" {
		slog.Warn("connect rejected, id missing", "remote", conn.RemoteAddr())
		conn.SendClose(protocol.CloseInvalidQueryParams, "Id required in query parameter: ?id={id}")
		return false
	}
	uid, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || uid == protocol.BotUserID {
		if err == nil {
			err = errors.New("id is reserved")
		}
		reason := fmt.Sprintf("Passed invalid id: id=%s. %v", rawID, err)
		slog.Warn("connect rejected", "reason", reason, "remote", conn.RemoteAddr())
		conn.SendClose(protocol.CloseInvalidQueryParams, reason)
		return false
	}

	conn.SetUser(uid)
	s.registry.Add(uid, conn)
	s.obs.ConnCount(s.registry.ConnCount())
	s.stats.For(uid).AddConnection(s.now())
	slog.Debug("user connected", "user_id", uid, "conn_id", conn.ID(), "remote", conn.RemoteAddr())

	// Runs after registration on purpose: redelivered payloads that fail
	// again re-enqueue themselves instead of getting lost.
	s.RedeliverTo(uid)
	return true
}

// HandleClose unregisters a connection. A connection already evicted by
// the watchdog sweep is ignored.
func (s *ChatServer) HandleClose(conn Connection, code int, reason string) {
	defer s.recoverCallback("handle close")

	uid := conn.User()
	if !s.registry.Exists(uid, conn.ID()) {
		return
	}
	s.stats.For(uid).AddDisconnection()
	s.registry.Remove(conn)
	s.obs.ConnCount(s.registry.ConnCount())
	slog.Debug("user disconnected", "user_id", uid, "conn_id", conn.ID(), "code", code, "reason", reason)
}

// HandleError logs a transport-level connection error.
func (s *ChatServer) HandleError(conn Connection, err error) {
	slog.Warn("connection error", "user_id", conn.User(), "conn_id", conn.ID(), "err", err)
}

// HandleFrame demultiplexes one inbound frame.
func (s *ChatServer) HandleFrame(conn Connection, op protocol.Opcode, data []byte) {
	defer s.recoverCallback("handle frame")

	switch op {
	case protocol.OpPong:
		s.registry.MarkPongReceived(conn)
		s.stats.For(conn.User()).Touch(s.now())

	case protocol.OpPing, protocol.OpClose:
		// Answered by the transport.

	case protocol.OpText, protocol.OpBinary:
		s.deliver(conn, data)

	case protocol.OpFragmentBeginText, protocol.OpFragmentBeginBinary:
		slog.Debug("fragment begin", "user_id", conn.User(), "opcode", op.String(), "bytes", len(data))
		s.frames.Begin(conn.User(), data)

	case protocol.OpFragmentContinue:
		if !s.frames.Continue(conn.User(), data) {
			slog.Debug("continuation without begin discarded", "user_id", conn.User())
		}

	case protocol.OpFragmentEnd:
		assembled := s.frames.End(conn.User(), data)
		if int64(len(assembled)) > s.maxMessageSize {
			conn.SendClose(protocol.CloseMessageTooBig,
				"Message too big. Maximum size: "+humanize.Bytes(uint64(s.maxMessageSize)))
			return
		}
		slog.Debug("fragment end", "user_id", conn.User(), "assembled_bytes", len(assembled))
		s.deliver(conn, assembled)

	default:
		slog.Debug("ignoring frame", "user_id", conn.User(), "opcode", op.String())
	}
}

func (s *ChatServer) deliver(conn Connection, data []byte) {
	payload, err := protocol.ParsePayload(data)
	if err != nil {
		conn.SendClose(protocol.CloseInvalidPayload, "Invalid payload. "+err.Error())
		return
	}
	s.stats.For(conn.User()).Touch(s.now())

	if s.enableSendBack && !payload.IsForBot() {
		if _, ignored := s.ignoreSendBack[strings.ToLower(payload.Type)]; !ignored {
			s.sendTo(payload.Sender, payload)
		}
	}

	s.Send(payload)
}

// Send routes a payload: listeners first, then each addressed recipient.
// For-bot payloads are served by listeners only. Never returns an error
// to the caller; undeliverable recipients feed the undelivered queue.
func (s *ChatServer) Send(p protocol.MessagePayload) {
	s.callMessageListeners(p)

	if p.IsForBot() {
		slog.Debug("payload served to listeners only", "sender", p.Sender, "type", p.Type)
		return
	}

	for _, uid := range p.Recipients {
		if uid == protocol.BotUserID {
			continue
		}
		s.sendTo(uid, p)
	}
}

func (s *ChatServer) sendTo(uid uint64, p protocol.MessagePayload) {
	data, err := p.ToJSON()
	if err != nil {
		slog.Warn("drop unencodable payload", "sender", p.Sender, "err", err)
		return
	}

	if s.registry.Size(uid) == 0 {
		s.handleUndeliverable(uid, p)
		s.onMessageSent(p.WithRecipient(uid), len(data), false)
		return
	}

	conns, err := s.registry.Get(uid)
	if err != nil {
		// Lost a race with close between Size and Get.
		s.handleUndeliverable(uid, p)
		return
	}

	for _, conn := range conns {
		cid := conn.ID()
		// Text frames only; payload.Binary stays in the envelope.
		conn.Send(data, protocol.OpText, func(n int, err error) {
			if err != nil {
				slog.Debug("write failed", "user_id", uid, "conn_id", cid, "err", err)
				if isBrokenPipe(err) {
					s.registry.RemoveKey(uid, cid)
					s.obs.ConnCount(s.registry.ConnCount())
				}
				s.handleUndeliverable(uid, p)
				return
			}
			s.onMessageSent(p.WithRecipient(uid), n, true)
		})
	}
}

func (s *ChatServer) onMessageSent(p protocol.MessagePayload, bytes int, hasSent bool) {
	if p.IsSentStatus() {
		return
	}

	sender := s.stats.For(p.Sender)
	sender.AddSent()
	sender.AddBytes(uint64(bytes))

	if hasSent {
		for _, uid := range p.Recipients {
			st := s.stats.For(uid)
			st.AddReceived()
			st.AddBytes(uint64(bytes))
		}
	}
	s.obs.MessageRouted(hasSent)

	if s.enableDeliveryStatus && hasSent {
		s.Send(protocol.NewSendStatus(p))
	}
}

func (s *ChatServer) handleUndeliverable(uid uint64, p protocol.MessagePayload) {
	if !s.enableUndelivered {
		slog.Debug("user unavailable, skipping message", "user_id", uid)
		return
	}
	dropped := s.undelivered.Enqueue(uid, p.WithRecipient(uid))
	s.obs.UndeliveredEnqueued()
	if dropped {
		s.obs.UndeliveredDropped()
	}
	slog.Debug("user unavailable, message queued", "user_id", uid, "queued", s.undelivered.Len(uid))
}

// RedeliverTo drains the recipient's undelivered queue in FIFO order and
// routes each payload again. Returns the number redelivered.
func (s *ChatServer) RedeliverTo(uid uint64) int {
	if !s.enableUndelivered {
		return 0
	}
	queued := s.undelivered.Drain(uid)
	if len(queued) == 0 {
		return 0
	}
	slog.Debug("redelivering queued messages", "user_id", uid, "count", len(queued))
	for _, p := range queued {
		s.Send(p)
	}
	return len(queued)
}

func (s *ChatServer) callMessageListeners(p protocol.MessagePayload) {
	s.listenersMu.Lock()
	listeners := make([]MessageListener, len(s.messageListeners))
	copy(listeners, s.messageListeners)
	s.listenersMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("message listener panicked", "panic", r)
				}
			}()
			l(p)
		}()
	}
}

// StartWatchdog launches the liveness sweep loop. It pings every
// registered connection each tick, closes connections idle beyond the
// configured lifetime, and after a short grace window evicts connections
// that never answered the ping.
func (s *ChatServer) StartWatchdog() {
	s.wg.Add(1)
	go s.watchdogLoop()
}

func (s *ChatServer) watchdogLoop() {
	defer s.wg.Done()
	slog.Info("watchdog started", "interval", s.tickInterval, "lifetime", s.lifetime)

	for {
		if !s.sleep(s.tickInterval) {
			slog.Info("watchdog stopping")
			return
		}
		s.sweep()
		if !s.sleep(s.pongGrace) {
			slog.Info("watchdog stopping")
			return
		}
		if n := s.registry.DisconnectWithoutPong(); n > 0 {
			s.obs.WatchdogDisconnects(n)
			s.obs.ConnCount(s.registry.ConnCount())
			slog.Debug("disconnected dangling connections", "count", n)
		}
	}
}

func (s *ChatServer) sweep() {
	now := s.now()
	s.registry.ForEach(func(uid uint64, entries []Entry) {
		inactive := s.stats.For(uid).InactiveFor(now)
		for _, entry := range entries {
			if entry.Conn == nil {
				s.registry.RemoveKey(uid, entry.ConnID)
				continue
			}

			if inactive >= s.lifetime {
				entry.Conn.SendClose(protocol.CloseInactiveConnection,
					fmt.Sprintf("Inactive more than %d seconds (%d)",
						int64(s.lifetime.Seconds()), int64(inactive.Seconds())))
				// Removal happens through HandleClose.
				continue
			}

			conn := entry.Conn
			cid := entry.ConnID
			conn.Send([]byte("."), protocol.OpPing, func(_ int, err error) {
				if err != nil {
					s.registry.RemoveKey(uid, cid)
					s.obs.ConnCount(s.registry.ConnCount())
					return
				}
				s.registry.MarkPongWait(conn)
			})
		}
	})
}

func (s *ChatServer) sleep(d time.Duration) bool {
	select {
	case <-s.stop:
		return false
	case <-time.After(d):
		return true
	}
}

// Stop interrupts the watchdog, notifies stop listeners once, and waits
// for background work to finish. Safe to call multiple times.
func (s *ChatServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)

		s.listenersMu.Lock()
		listeners := make([]func(), len(s.stopListeners))
		copy(listeners, s.stopListeners)
		s.listenersMu.Unlock()

		for _, l := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("stop listener panicked", "panic", r)
					}
				}()
				l()
			}()
		}
	})
	s.wg.Wait()
}

func (s *ChatServer) recoverCallback(where string) {
	if r := recover(); r != nil {
		slog.Error("panic in transport callback", "where", where, "panic", r)
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed)
}
