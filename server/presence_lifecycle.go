// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type RejectReason int

const (
	RejectClusterInitializing RejectReason = iota + 1
	RejectUnsupportedVersion
	RejectBlacklisted
)

func (r RejectReason) String() string {
	switch r {
	case RejectClusterInitializing:
		return "cluster_initializing"
	case RejectUnsupportedVersion:
		return "unsupported_version"
	case RejectBlacklisted:
		return "blacklisted"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// RejectedConnection is returned by Connect when policy refuses the session.
type RejectedConnection struct {
	Reason  RejectReason
	Message string
}

func (e *RejectedConnection) Error() string {
	return fmt.Sprintf("connection rejected: %s", e.Reason)
}

// ConnectRequest describes a player that completed the proxy handshake.
type ConnectRequest struct {
	ID              uuid.UUID
	Name            string
	IP              string
	ProtocolVersion int
	ClientBrand     string
	// BypassVersionCheck is set when the player holds the version bypass permission.
	BypassVersionCheck bool
}

// LocalSession is a session physically connected to this node.
type LocalSession struct {
	ID          uuid.UUID
	Name        string
	IP          string
	Server      string
	ClientBrand string
	ConnectedAt time.Time

	// conn identifies the connection; copies made by a backend switch keep it.
	conn uint64
}

// Disconnector closes player connections on behalf of the registry.
type Disconnector interface {
	Disconnect(id uuid.UUID, message string)
}

type noopDisconnector struct{}

func (noopDisconnector) Disconnect(uuid.UUID, string) {}

// PresenceLifecycle sequences the registry side of connect, disconnect and backend switch.
type PresenceLifecycle struct {
	logger     *zap.Logger
	metrics    Metrics
	config     Config
	nodeName   string
	repo       *PresenceRepository
	reconciler *PresenceReconciler
	gate       *BootGate
	events     *PresenceEventBus
	pool       *PresenceWorkerPool

	disconnector Disconnector

	localSessions *MapOf[uuid.UUID, *LocalSession]
	sessionCount  *atomic.Int32
	connCounter   *atomic.Uint64
}

func NewPresenceLifecycle(logger *zap.Logger, metrics Metrics, config Config, repo *PresenceRepository, reconciler *PresenceReconciler, gate *BootGate, events *PresenceEventBus, pool *PresenceWorkerPool) *PresenceLifecycle {
	l := &PresenceLifecycle{
		logger:     logger,
		metrics:    metrics,
		config:     config,
		nodeName:   config.GetName(),
		repo:       repo,
		reconciler: reconciler,
		gate:       gate,
		events:     events,
		pool:       pool,

		disconnector: noopDisconnector{},

		localSessions: &MapOf[uuid.UUID, *LocalSession]{},
		sessionCount:  atomic.NewInt32(0),
		connCounter:   atomic.NewUint64(0),
	}
	events.AddListener(l.onPeerEvent)
	return l
}

// SetDisconnector installs the connection layer hook used to close local sessions.
// It must be called before the node starts serving.
func (l *PresenceLifecycle) SetDisconnector(d Disconnector) {
	l.disconnector = d
}

// Connect runs the admission checks synchronously and schedules the registry writes.
// It returns nil when the player is admitted, or a *RejectedConnection.
// Store failures never reject: the gate and blacklist checks fail open and the job's
// errors are only logged, leaving the next sweep to repair the registry.
func (l *PresenceLifecycle) Connect(ctx context.Context, req *ConnectRequest) error {
	logger := l.logger.With(zap.Stringer("id", req.ID), zap.String("name", req.Name))
	messages := l.config.GetMessages()

	if closed, err := l.gate.Closed(ctx); err != nil {
		l.metrics.CountStoreError("boot_gate")
		logger.Warn("Failed to read boot gate, admitting", zap.Error(err))
	} else if closed {
		return l.reject(logger, RejectClusterInitializing, messages.Booting)
	}

	if versionControl := l.config.GetVersionControl(); !req.BypassVersionCheck && !versionControl.Allows(req.ProtocolVersion) {
		logger.Debug("Unsupported protocol version", zap.Int("protocol_version", req.ProtocolVersion))
		return l.reject(logger, RejectUnsupportedVersion, versionControl.KickMessage)
	}

	if _, found, err := l.repo.BlacklistIP(ctx, req.ID); err != nil {
		l.metrics.CountStoreError("blacklist")
		logger.Warn("Failed to read blacklist, deferring to admit job", zap.Error(err))
	} else if found {
		if err := l.repo.TouchBlacklist(ctx, req.ID, req.IP); err != nil {
			l.metrics.CountStoreError("blacklist")
			logger.Warn("Failed to update blacklist address", zap.Error(err))
		}
		if err := l.events.Publish(ctx, &PresenceEvent{Kind: EventBlacklistHit, ID: req.ID.String(), DisplayName: req.Name, IP: req.IP}); err != nil {
			l.metrics.CountStoreError("publish")
			logger.Warn("Failed to publish blacklist hit", zap.Error(err))
		}
		return l.reject(logger, RejectBlacklisted, messages.Blacklisted)
	}

	session := &LocalSession{
		ID:          req.ID,
		Name:        req.Name,
		IP:          req.IP,
		ClientBrand: req.ClientBrand,
		ConnectedAt: time.Now().UTC(),
	}
	l.storeLocal(session)
	l.metrics.CountAdmission("admitted")

	l.pool.Submit(req.ID, "admit", func(ctx context.Context) {
		l.admit(ctx, session)
	})
	return nil
}

func (l *PresenceLifecycle) reject(logger *zap.Logger, reason RejectReason, message string) error {
	l.metrics.CountAdmission(reason.String())
	logger.Info("Rejected connection", zap.Stringer("reason", reason))
	return &RejectedConnection{Reason: reason, Message: message}
}

// admit writes the session, reconciles and announces it. The blacklist is read again
// right before and right after the node mapping write so a concurrent ban never leaves
// the player online.
func (l *PresenceLifecycle) admit(ctx context.Context, session *LocalSession) {
	logger := l.logger.With(zap.Stringer("id", session.ID))

	if l.blacklisted(ctx, logger, session) {
		return
	}

	for _, write := range []struct {
		op string
		fn func() error
	}{
		{"set_node", func() error { return l.repo.SetNode(ctx, session.ID, l.nodeName) }},
		{"set_name", func() error { return l.repo.SetName(ctx, session.ID, session.Name) }},
		{"set_ip", func() error { return l.repo.SetIP(ctx, session.ID, session.IP) }},
	} {
		if err := write.fn(); err != nil {
			l.metrics.CountStoreError(write.op)
			logger.Error("Failed to write session", zap.String("op", write.op), zap.Error(err))
			return
		}
	}

	if l.blacklisted(ctx, logger, session) {
		if err := l.clearSession(ctx, session.ID); err != nil {
			logger.Error("Failed to clear blacklisted player", zap.Error(err))
		}
		l.reconcile(ctx, logger)
		return
	}

	l.reconcile(ctx, logger)

	if err := l.events.Publish(ctx, &PresenceEvent{
		Kind:        EventPostLogin,
		ID:          session.ID.String(),
		DisplayName: session.Name,
		IP:          session.IP,
		ClientBrand: session.ClientBrand,
	}); err != nil {
		l.metrics.CountStoreError("publish")
		logger.Warn("Failed to publish login", zap.Error(err))
	}
}

// blacklisted reports whether the player is on the blacklist and, if so, drops the local session.
func (l *PresenceLifecycle) blacklisted(ctx context.Context, logger *zap.Logger, session *LocalSession) bool {
	_, found, err := l.repo.BlacklistIP(ctx, session.ID)
	if err != nil {
		l.metrics.CountStoreError("blacklist")
		logger.Warn("Failed to read blacklist", zap.Error(err))
		return false
	}
	if !found {
		return false
	}
	l.dropLocal(session)
	logger.Info("Blacklisted player admitted concurrently, disconnecting")
	l.disconnector.Disconnect(session.ID, l.config.GetMessages().Blacklisted)
	return true
}

// Disconnect is called by the connection layer when a player's transport closes. The
// registry update runs on the player's worker after any pending admit.
func (l *PresenceLifecycle) Disconnect(id uuid.UUID) {
	session, _ := l.localSessions.Load(id)
	l.pool.Submit(id, "disconnect", func(ctx context.Context) {
		l.disconnect(ctx, id, session)
	})
}

// disconnect releases session and its registry record. A nil session means the local entry
// is already gone.
func (l *PresenceLifecycle) disconnect(ctx context.Context, id uuid.UUID, session *LocalSession) {
	logger := l.logger.With(zap.Stringer("id", id))

	local := false
	if session != nil {
		if current, dropped := l.dropLocal(session); dropped {
			local, session = true, current
		} else if _, found := l.localSessions.Load(id); found {
			// A newer connection for the same player owns the record.
			logger.Debug("Skipping disconnect of replaced local session")
			return
		}
	}

	node, found, err := l.repo.NodeOf(ctx, id)
	if err != nil {
		l.metrics.CountStoreError("node_of")
		logger.Error("Failed to read node mapping", zap.Error(err))
		return
	}
	if !found || node != l.nodeName {
		// The player already reconnected elsewhere; that node owns the record now.
		logger.Debug("Skipping registry cleanup of player owned by another node", zap.String("owner", node))
		l.reconcile(ctx, logger)
		return
	}

	if err := l.clearSession(ctx, id); err != nil {
		logger.Error("Failed to clear session", zap.Error(err))
		return
	}
	if err := l.repo.SetLastSeen(ctx, id, time.Now()); err != nil {
		l.metrics.CountStoreError("set_last_seen")
		logger.Warn("Failed to stamp last seen", zap.Error(err))
	}

	l.reconcile(ctx, logger)

	event := &PresenceEvent{Kind: EventDisconnect, ID: id.String()}
	if local {
		event.DisplayName = session.Name
		event.IP = session.IP
		event.Server = session.Server
	}
	if err := l.events.Publish(ctx, event); err != nil {
		l.metrics.CountStoreError("publish")
		logger.Warn("Failed to publish disconnect", zap.Error(err))
	}
}

// dropLocal removes the local entry of session's connection, including any copy a backend
// switch stored in its place, and returns the entry it removed.
func (l *PresenceLifecycle) dropLocal(session *LocalSession) (*LocalSession, bool) {
	for {
		current, found := l.localSessions.Load(session.ID)
		if !found || current.conn != session.conn {
			return nil, false
		}
		if l.localSessions.CompareAndDelete(session.ID, current) {
			l.sessionCount.Dec()
			l.metrics.GaugeLocalSessions(float64(l.sessionCount.Load()))
			return current, true
		}
	}
}

// clearSession removes the node mapping first so the player reads as offline even if the
// remaining deletes fail.
func (l *PresenceLifecycle) clearSession(ctx context.Context, id uuid.UUID) error {
	if err := l.repo.ClearNode(ctx, id); err != nil {
		l.metrics.CountStoreError("clear_node")
		return err
	}
	if err := l.repo.ClearIP(ctx, id); err != nil {
		l.metrics.CountStoreError("clear_ip")
		return err
	}
	if err := l.repo.ClearServer(ctx, id); err != nil {
		l.metrics.CountStoreError("clear_server")
		return err
	}
	return nil
}

// SwitchServer records that the player moved to another backend server.
func (l *PresenceLifecycle) SwitchServer(id uuid.UUID, server string) {
	l.pool.Submit(id, "switch_server", func(ctx context.Context) {
		logger := l.logger.With(zap.Stringer("id", id), zap.String("server", server))

		var previous string
		event := &PresenceEvent{Kind: EventServerSwitch, ID: id.String(), Server: server}
		if session, found := l.localSessions.Load(id); found {
			previous = session.Server
			updated := *session
			updated.Server = server
			l.localSessions.Store(id, &updated)
			event.DisplayName = session.Name
		}
		event.PreviousServer = previous

		if err := l.repo.SetServer(ctx, id, server); err != nil {
			l.metrics.CountStoreError("set_server")
			logger.Error("Failed to write server", zap.Error(err))
			return
		}
		if err := l.events.Publish(ctx, event); err != nil {
			l.metrics.CountStoreError("publish")
			logger.Warn("Failed to publish server switch", zap.Error(err))
		}
	})
}

func (l *PresenceLifecycle) reconcile(ctx context.Context, logger *zap.Logger) {
	if _, err := l.reconciler.Reconcile(ctx); err != nil {
		logger.Error("Failed to reconcile counters", zap.Error(err))
	}
}

// onPeerEvent applies a peer event on the player's worker, ordered with local writes.
func (l *PresenceLifecycle) onPeerEvent(event *PresenceEvent) {
	id, err := uuid.FromString(event.ID)
	if err != nil {
		l.logger.Warn("Invalid player id in presence event", zap.String("id", event.ID), zap.String("kind", event.Kind))
		return
	}
	if _, found := l.localSessions.Load(id); !found {
		return
	}

	switch event.Kind {
	case EventPostLogin:
		l.pool.Submit(id, "peer_login", func(ctx context.Context) {
			l.replaced(ctx, id, event)
		})
	case EventBlacklistHit:
		l.pool.Submit(id, "peer_blacklist", func(ctx context.Context) {
			session, found := l.localSessions.Load(id)
			if found && l.blacklisted(ctx, l.logger.With(zap.Stringer("id", id)), session) {
				l.disconnect(ctx, id, nil)
			}
		})
	}
}

// replaced drops a local session whose player logged in on another node. Events older than the
// local connection are ignored, as is any event while this node still owns the node mapping.
func (l *PresenceLifecycle) replaced(ctx context.Context, id uuid.UUID, event *PresenceEvent) {
	logger := l.logger.With(zap.Stringer("id", id), zap.String("origin", event.OriginNode))

	session, found := l.localSessions.Load(id)
	if !found || session.ConnectedAt.UnixMilli() > event.Timestamp {
		return
	}

	node, found, err := l.repo.NodeOf(ctx, id)
	if err != nil {
		l.metrics.CountStoreError("node_of")
		logger.Warn("Failed to read node mapping", zap.Error(err))
		return
	}
	if found && node == l.nodeName {
		return
	}

	if _, dropped := l.dropLocal(session); !dropped {
		return
	}
	logger.Info("Player logged in on another node, dropping local session")

	if l.config.GetPresence().SingleSession {
		l.disconnector.Disconnect(id, l.config.GetMessages().SingleSession)
	}
}

// Sweep repairs what dropped jobs, missed events and crashed writers left behind, then reconciles.
// Each repair runs on the player's worker so it is ordered with that player's admit and disconnect.
func (l *PresenceLifecycle) Sweep(ctx context.Context) error {
	mappings, err := l.repo.NodeMappings(ctx)
	if err != nil {
		l.metrics.CountStoreError("sweep")
		return err
	}
	blacklist, err := l.repo.Blacklist(ctx)
	if err != nil {
		l.metrics.CountStoreError("sweep")
		return err
	}

	type repair struct {
		id uuid.UUID
		fn func(ctx context.Context, logger *zap.Logger, id uuid.UUID) error
	}
	var repairs []repair

	l.localSessions.Range(func(id uuid.UUID, session *LocalSession) bool {
		if _, found := blacklist[id]; found {
			delete(mappings, id)
			repairs = append(repairs, repair{id, l.sweepBlacklisted})
			return true
		}
		if _, found := mappings[id]; !found {
			repairs = append(repairs, repair{id, func(ctx context.Context, logger *zap.Logger, _ uuid.UUID) error {
				return l.sweepUnmapped(ctx, logger, session)
			}})
		}
		return true
	})

	for id, node := range mappings {
		if node != l.nodeName {
			continue
		}
		if _, found := l.localSessions.Load(id); found {
			continue
		}
		repairs = append(repairs, repair{id, l.sweepOrphan})
	}

	results := make(chan error, len(repairs))
	for _, r := range repairs {
		r := r
		submitted := l.pool.Submit(r.id, "sweep", func(ctx context.Context) {
			err := fmt.Errorf("sweep repair of %s did not complete", r.id)
			defer func() { results <- err }()
			err = r.fn(ctx, l.logger.With(zap.Stringer("id", r.id)), r.id)
		})
		if !submitted {
			results <- nil
		}
	}

	var sweepErr error
	for range repairs {
		select {
		case err := <-results:
			if err != nil {
				sweepErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if sweepErr != nil {
		l.metrics.CountStoreError("sweep")
		return sweepErr
	}

	_, err = l.reconciler.Reconcile(ctx)
	return err
}

// sweepBlacklisted disconnects a banned local player and removes the mapping if it names this node.
func (l *PresenceLifecycle) sweepBlacklisted(ctx context.Context, logger *zap.Logger, id uuid.UUID) error {
	if session, found := l.localSessions.Load(id); found {
		l.blacklisted(ctx, logger, session)
	}
	node, found, err := l.repo.NodeOf(ctx, id)
	if err != nil || !found || node != l.nodeName {
		return err
	}
	return l.repo.ClearNode(ctx, id)
}

// sweepUnmapped writes the registry record of a local session whose node mapping is missing.
func (l *PresenceLifecycle) sweepUnmapped(ctx context.Context, logger *zap.Logger, session *LocalSession) error {
	current, found := l.localSessions.Load(session.ID)
	if !found || current.conn != session.conn {
		return nil
	}
	if _, found, err := l.repo.NodeOf(ctx, session.ID); err != nil || found {
		return err
	}

	logger.Info("Re-asserting missing node mapping")
	if err := l.repo.SetNode(ctx, current.ID, l.nodeName); err != nil {
		return err
	}
	if err := l.repo.SetName(ctx, current.ID, current.Name); err != nil {
		return err
	}
	if err := l.repo.SetIP(ctx, current.ID, current.IP); err != nil {
		return err
	}
	if current.Server != "" {
		return l.repo.SetServer(ctx, current.ID, current.Server)
	}
	return nil
}

// sweepOrphan clears a mapping that names this node for a player it does not hold.
func (l *PresenceLifecycle) sweepOrphan(ctx context.Context, logger *zap.Logger, id uuid.UUID) error {
	if _, found := l.localSessions.Load(id); found {
		return nil
	}
	node, found, err := l.repo.NodeOf(ctx, id)
	if err != nil || !found || node != l.nodeName {
		return err
	}
	logger.Info("Removing node mapping without a local session")
	return l.clearSession(ctx, id)
}

// LocalSession returns the session held by this node for id.
func (l *PresenceLifecycle) LocalSession(id uuid.UUID) (*LocalSession, bool) {
	return l.localSessions.Load(id)
}

// LocalSessions returns a snapshot of every session held by this node.
func (l *PresenceLifecycle) LocalSessions() []*LocalSession {
	sessions := make([]*LocalSession, 0, l.sessionCount.Load())
	l.localSessions.Range(func(_ uuid.UUID, session *LocalSession) bool {
		sessions = append(sessions, session)
		return true
	})
	return sessions
}

func (l *PresenceLifecycle) LocalCount() int {
	return int(l.sessionCount.Load())
}

func (l *PresenceLifecycle) storeLocal(session *LocalSession) {
	session.conn = l.connCounter.Inc()
	if _, loaded := l.localSessions.LoadOrStore(session.ID, session); loaded {
		l.localSessions.Store(session.ID, session)
	} else {
		l.sessionCount.Inc()
	}
	l.metrics.GaugeLocalSessions(float64(l.sessionCount.Load()))
}

// forgetLocal removes every local session without touching the registry.
func (l *PresenceLifecycle) forgetLocal() []uuid.UUID {
	ids := make([]uuid.UUID, 0, l.sessionCount.Load())
	l.localSessions.Range(func(id uuid.UUID, _ *LocalSession) bool {
		if _, loaded := l.localSessions.LoadAndDelete(id); loaded {
			l.sessionCount.Dec()
			ids = append(ids, id)
		}
		return true
	})
	l.metrics.GaugeLocalSessions(float64(l.sessionCount.Load()))
	return ids
}
