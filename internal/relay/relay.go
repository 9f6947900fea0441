// Package relay is the single authority for admitting viewer sessions,
// ingesting telemetry updates and ordering their broadcast.
package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/printer-dashboard/relay/internal/models"
	"github.com/printer-dashboard/relay/internal/parser"
	"github.com/printer-dashboard/relay/internal/session"
	"github.com/printer-dashboard/relay/internal/snapshot"
	"github.com/printer-dashboard/relay/internal/storage"
)

// Default sub-protocols accepted when none are configured.
var DefaultProtocols = []string{"secure-guelph-user", "testing"}

// Close reasons sent to clients.
const (
	ReasonInvalidProtocol = "Invalid subprotocol"
	ReasonInvalidToken    = "Invalid token"
	ReasonShuttingDown    = "Server shutting down"
	ReasonTooSlow         = "Too slow"
	ReasonSendFailed      = "Send failed"
)

// Options configure a Relay.
type Options struct {
	AllowedProtocols []string
	Secret           string
	QueueSize        int
	SendTimeout      time.Duration
	// SeedOnAttach enqueues the current snapshot to every newly admitted session.
	SeedOnAttach bool
	Logger       *slog.Logger
	Observer     Observer
	Now          func() time.Time
}

// AdmitRequest carries the credentials a client presented on connect.
type AdmitRequest struct {
	Protocol   string
	Token      string
	RemoteAddr string
	ConnID     string
}

// Stats is a point-in-time summary used by health and metrics endpoints.
type Stats struct {
	Sessions     int    `json:"sessions"`
	SnapshotKeys int    `json:"snapshotKeys"`
	LogRecords   uint64 `json:"logRecords"`
	LogBytes     int64  `json:"logBytes"`
	ShuttingDown bool   `json:"shuttingDown"`
}

// Relay owns the snapshot store, the durable log and the session registry.
type Relay struct {
	store    *snapshot.Store
	log      storage.Log
	sessions *session.Registry

	allowed     map[string]struct{}
	secret      []byte
	queueSize   int
	sendTimeout time.Duration
	seed        bool
	logger      *slog.Logger
	observer    Observer
	now         func() time.Time

	// ingestMu serialises append, merge and enqueue, and orders admits and
	// seeds against them.
	ingestMu sync.Mutex
	closing  atomic.Bool

	pumps        sync.WaitGroup
	closers      sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a relay over the given store, log and registry.
func New(store *snapshot.Store, log storage.Log, sessions *session.Registry, opts Options) *Relay {
	protocols := opts.AllowedProtocols
	if len(protocols) == 0 {
		protocols = DefaultProtocols
	}
	allowed := make(map[string]struct{}, len(protocols))
	for _, p := range protocols {
		allowed[p] = struct{}{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		store:       store,
		log:         log,
		sessions:    sessions,
		allowed:     allowed,
		secret:      []byte(opts.Secret),
		queueSize:   opts.QueueSize,
		sendTimeout: opts.SendTimeout,
		seed:        opts.SeedOnAttach,
		logger:      opts.Logger.With("component", "relay"),
		observer:    opts.Observer,
		now:         opts.Now,
	}
}

// Admit authenticates a new connection. On success the session is Active,
// registered and its writer is running. On failure the transport receives a
// single close frame and the session is never registered.
func (r *Relay) Admit(t session.Transport, req AdmitRequest) (*session.Session, error) {
	connID := req.ConnID
	if connID == "" {
		connID = uuid.NewString()
	}
	sess := session.New(r.sessions.NextID(), t, session.Options{
		ConnID:      connID,
		Protocol:    req.Protocol,
		RemoteAddr:  req.RemoteAddr,
		QueueSize:   r.queueSize,
		SendTimeout: r.sendTimeout,
	})
	logger := r.logger.With("session", sess.ID(), "conn_id", connID, "remote", req.RemoteAddr)

	if _, ok := r.allowed[req.Protocol]; !ok {
		sess.Close(session.ClosePolicyViolation, ReasonInvalidProtocol)
		r.observer.SessionRejected("subprotocol")
		logger.Warn("rejected connection", "reason", ReasonInvalidProtocol, "protocol", req.Protocol)
		return nil, fmt.Errorf("%w: subprotocol %q not allowed", ErrAuthRejected, req.Protocol)
	}
	if subtle.ConstantTimeCompare([]byte(req.Token), r.secret) != 1 {
		sess.Close(session.ClosePolicyViolation, ReasonInvalidToken)
		r.observer.SessionRejected("token")
		logger.Warn("rejected connection", "reason", ReasonInvalidToken)
		return nil, fmt.Errorf("%w: invalid token", ErrAuthRejected)
	}

	r.ingestMu.Lock()
	if r.closing.Load() {
		r.ingestMu.Unlock()
		sess.Close(session.CloseGoingAway, ReasonShuttingDown)
		return nil, ErrRelayClosed
	}
	sess.Activate()
	if r.seed {
		r.seedLocked(sess)
	}
	if err := r.sessions.Add(sess); err != nil {
		r.ingestMu.Unlock()
		sess.Close(session.CloseInternalError, "")
		return nil, fmt.Errorf("registering session: %w", err)
	}
	r.pumps.Add(1)
	r.ingestMu.Unlock()

	go r.runPump(sess, logger)

	r.observer.SessionAdmitted()
	logger.Info("client connected", "protocol", req.Protocol, "clients", r.sessions.Len())
	return sess, nil
}

func (r *Relay) runPump(sess *session.Session, logger *slog.Logger) {
	defer r.pumps.Done()
	if err := sess.Pump(); err != nil && sess.State() != models.SessionStateClosed {
		logger.Warn("send failed, dropping client", "error", err)
		r.drop(sess, session.CloseInternalError, ReasonSendFailed, CauseTransport)
		return
	}
	r.sessions.Remove(sess.ID())
}

// HandleMessage processes one inbound frame from a session. Control frames
// are answered on that session only; readings are ingested.
func (r *Relay) HandleMessage(sess *session.Session, raw []byte) error {
	msg, err := parser.Parse(raw, r.now())
	if err != nil {
		return r.malformed(sessionSource(sess), err)
	}
	switch msg.Kind {
	case parser.KindControl:
		return r.handleControl(sess, msg.Control)
	default:
		_, err := r.commit(sessionSource(sess), msg.Readings)
		return err
	}
}

func (r *Relay) handleControl(sess *session.Session, c parser.Control) error {
	switch c {
	case parser.ControlRequestStoredData:
		return r.Seed(sess)
	case parser.ControlPing:
		if err := sess.Enqueue([]byte(parser.ReplyPong)); err != nil {
			r.enqueueFailed(sess, err)
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	return nil
}

// Ingest parses a frame from a source that has no session (for example an
// MQTT topic) and commits its readings.
func (r *Relay) Ingest(source string, raw []byte) (models.LogRecord, error) {
	msg, err := parser.Parse(raw, r.now())
	if err != nil {
		return models.LogRecord{}, r.malformed(source, err)
	}
	if msg.Kind == parser.KindControl {
		return models.LogRecord{}, r.malformed(source, fmt.Errorf("control %q requires a session", msg.Control))
	}
	return r.commit(source, msg.Readings)
}

func (r *Relay) malformed(source string, err error) error {
	r.observer.MessageMalformed()
	r.logger.Warn("dropping malformed message", "source", source, "error", err)
	return fmt.Errorf("%w: %w", ErrMalformedInput, err)
}

// commit appends one record, merges its readings and queues one broadcast
// unit per reading. Nothing is merged or broadcast if the append fails.
func (r *Relay) commit(source string, readings []models.Reading) (models.LogRecord, error) {
	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()

	if r.closing.Load() {
		return models.LogRecord{}, ErrRelayClosed
	}

	start := time.Now()
	rec, err := r.log.Append(models.LogRecord{
		Source:     source,
		ReceivedAt: r.now(),
		Readings:   readings,
	})
	r.observer.AppendCompleted(time.Since(start), err)
	if err != nil {
		r.logger.Error("append failed, update rejected", "source", source, "error", err)
		return models.LogRecord{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	units := make([][]byte, 0, len(rec.Readings))
	for _, rd := range rec.Readings {
		r.store.Merge(rd)
		units = append(units, parser.FormatReading(rd))
	}
	r.broadcastLocked(units)
	r.observer.MessageIngested(len(rec.Readings))

	r.logger.Debug("ingested", "source", source, "seq", rec.Seq, "readings", len(rec.Readings))
	return rec, nil
}

// broadcastLocked queues units, in order, on every Active session. A session
// that cannot keep up is dropped without delaying the others.
func (r *Relay) broadcastLocked(units [][]byte) {
	r.sessions.ForEachActive(func(s *session.Session) {
		queued := 0
		for _, u := range units {
			if err := s.Enqueue(u); err != nil {
				r.enqueueFailed(s, err)
				break
			}
			queued++
		}
		r.observer.UnitsQueued(queued)
	})
}

func (r *Relay) enqueueFailed(s *session.Session, err error) {
	if !errors.Is(err, session.ErrQueueFull) {
		return
	}
	r.logger.Warn("client too slow, dropping", "session", s.ID(), "queued", s.Info().Queued)
	// Nothing may be queued behind the unit that overflowed.
	r.release(s, CauseSlow)
	s.MarkClosed()
	r.closers.Add(1)
	go func() {
		defer r.closers.Done()
		s.Close(session.CloseTryAgainLater, ReasonTooSlow)
	}()
}

// Seed queues the current snapshot to one session, one frame per metric.
func (r *Relay) Seed(sess *session.Session) error {
	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()
	return r.seedLocked(sess)
}

func (r *Relay) seedLocked(sess *session.Session) error {
	for _, rd := range r.store.Current().Ordered() {
		if err := sess.Enqueue(parser.FormatReading(rd)); err != nil {
			r.enqueueFailed(sess, err)
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	return nil
}

// Release removes a session and closes its transport. Releasing an unknown
// or already released session is a no-op.
func (r *Relay) Release(id uint64) bool {
	s, ok := r.sessions.Get(id)
	if !ok {
		return false
	}
	return r.drop(s, session.CloseNormal, "", CauseClient)
}

func (r *Relay) drop(s *session.Session, code int, reason, cause string) bool {
	removed := r.release(s, cause)
	s.Close(code, reason)
	return removed
}

// release unregisters s and records why. It reports false if s was no
// longer registered.
func (r *Relay) release(s *session.Session, cause string) bool {
	if _, removed := r.sessions.Remove(s.ID()); !removed {
		return false
	}
	r.observer.SessionReleased(cause)
	r.logger.Info("client disconnected", "session", s.ID(), "cause", cause, "clients", r.sessions.Len())
	return true
}

// Shutdown stops admitting sessions, closes every session with a going-away
// status and closes the durable log. If ctx expires before all session
// writers have stopped, the remaining transports are closed without a
// handshake and the result wraps ErrShutdownTimeout. Later calls return the
// first call's result.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.shutdown(ctx)
	})
	return r.shutdownErr
}

func (r *Relay) shutdown(ctx context.Context) error {
	r.ingestMu.Lock()
	r.closing.Store(true)
	r.ingestMu.Unlock()

	var active []*session.Session
	r.sessions.ForEachActive(func(s *session.Session) {
		active = append(active, s)
	})
	r.logger.Info("shutting down", "clients", len(active))

	for _, s := range active {
		r.closers.Add(1)
		go func() {
			defer r.closers.Done()
			r.drop(s, session.CloseGoingAway, ReasonShuttingDown, CauseShutdown)
		}()
	}

	done := make(chan struct{})
	go func() {
		r.closers.Wait()
		r.pumps.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("grace period expired, forcing remaining clients closed", "remaining", r.sessions.Len())
		for _, s := range active {
			s.Abort()
		}
		errs = append(errs, fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err()))
	}

	// commit checks closing under ingestMu, so no append is in flight here.
	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()
	if err := r.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing log: %w", err))
	}
	return errors.Join(errs...)
}

// Restore folds existing log records into the snapshot store. It returns
// the number of records applied.
func (r *Relay) Restore(records iter.Seq2[models.LogRecord, error]) (int, error) {
	n := 0
	for rec, err := range records {
		if err != nil {
			return n, fmt.Errorf("restoring snapshot: %w", err)
		}
		for _, rd := range rec.Readings {
			r.store.Merge(rd)
		}
		n++
	}
	return n, nil
}

// Snapshot returns a copy of the current snapshot.
func (r *Relay) Snapshot() models.Snapshot {
	return r.store.Current()
}

// Sessions lists the registered sessions.
func (r *Relay) Sessions() []models.SessionInfo {
	return r.sessions.List()
}

// Stats returns current counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Sessions:     r.sessions.Len(),
		SnapshotKeys: r.store.Len(),
		LogRecords:   r.log.Len(),
		LogBytes:     r.log.SizeBytes(),
		ShuttingDown: r.closing.Load(),
	}
}

// AllowedProtocols returns the configured sub-protocols in sorted order.
func (r *Relay) AllowedProtocols() []string {
	out := make([]string, 0, len(r.allowed))
	for p := range r.allowed {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func sessionSource(s *session.Session) string {
	return fmt.Sprintf("session:%d", s.ID())
}
