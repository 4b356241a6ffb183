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
	"sort"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Registry schema. Every node must agree on these names.
const (
	hashPlayersNode      = "players-proxy"
	hashPlayersName      = "players-name"
	hashPlayersIP        = "players-ip"
	hashPlayersServer    = "players-server"
	hashPlayersLastSeen  = "players-lastseen"
	hashPlayersBlacklist = "players-blacklist"
	hashNodeCounts       = "proxy-players"
	hashNodes            = "proxies"
	keyGlobalCount       = "global-playercount"
	keyBootGate          = "init-process"

	bootGateSet = "true"
)

// PlayerSession is the registry's view of one player.
type PlayerSession struct {
	ID       uuid.UUID
	Name     string
	Node     string
	Server   string
	IP       string
	LastSeen time.Time
}

// Online reports whether a node mapping exists for the player.
func (p *PlayerSession) Online() bool {
	return p.Node != ""
}

// PresenceRepository owns the layout of the presence registry in the shared store.
// It never retries; store failures are returned wrapped in ErrStoreUnavailable.
type PresenceRepository struct {
	logger *zap.Logger
	store  Store
	prefix string
}

func NewPresenceRepository(logger *zap.Logger, store Store, keyPrefix string) *PresenceRepository {
	return &PresenceRepository{
		logger: logger,
		store:  store,
		prefix: keyPrefix,
	}
}

func (r *PresenceRepository) key(name string) string {
	if r.prefix == "" {
		return name
	}
	return r.prefix + "-" + name
}

func (r *PresenceRepository) GetField(ctx context.Context, hash, field string) (string, bool, error) {
	return r.store.HGet(ctx, r.key(hash), field)
}

func (r *PresenceRepository) SetField(ctx context.Context, hash, field, value string) error {
	return r.store.HSet(ctx, r.key(hash), field, value)
}

func (r *PresenceRepository) DeleteField(ctx context.Context, hash, field string) error {
	return r.store.HDel(ctx, r.key(hash), field)
}

func (r *PresenceRepository) AllKeys(ctx context.Context, hash string) ([]string, error) {
	return r.store.HKeys(ctx, r.key(hash))
}

func (r *PresenceRepository) AllValues(ctx context.Context, hash string) ([]string, error) {
	return r.store.HVals(ctx, r.key(hash))
}

func (r *PresenceRepository) AllPairs(ctx context.Context, hash string) (map[string]string, error) {
	return r.store.HGetAll(ctx, r.key(hash))
}

// FindKeyByValue scans the whole hash, O(n) in the number of players.
// When several fields hold value the smallest field name wins so the answer is stable.
func (r *PresenceRepository) FindKeyByValue(ctx context.Context, hash, value string) (string, bool, error) {
	pairs, err := r.AllPairs(ctx, hash)
	if err != nil {
		return "", false, err
	}
	var found string
	for k, v := range pairs {
		if v == value && (found == "" || k < found) {
			found = k
		}
	}
	return found, found != "", nil
}

func (r *PresenceRepository) GetString(ctx context.Context, key string) (string, bool, error) {
	return r.store.Get(ctx, r.key(key))
}

func (r *PresenceRepository) SetString(ctx context.Context, key, value string) error {
	return r.store.Set(ctx, r.key(key), value)
}

func (r *PresenceRepository) DeleteString(ctx context.Context, key string) error {
	return r.store.Del(ctx, r.key(key))
}

// GetCounter reads an integer string key. Absent and malformed values both read as absent.
func (r *PresenceRepository) GetCounter(ctx context.Context, key string) (int, bool, error) {
	raw, found, err := r.GetString(ctx, key)
	if err != nil || !found {
		return 0, false, err
	}
	return r.parseCount(key, raw)
}

func (r *PresenceRepository) SetCounter(ctx context.Context, key string, value int) error {
	return r.SetString(ctx, key, strconv.Itoa(value))
}

func (r *PresenceRepository) parseCount(where, raw string) (int, bool, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.logger.Debug("Ignoring malformed counter", zap.String("key", where), zap.String("value", raw),
			zap.Error(fmt.Errorf("%w: %v", ErrMalformedRecord, err)))
		return 0, false, nil
	}
	return n, true, nil
}

func (r *PresenceRepository) NodeOf(ctx context.Context, id uuid.UUID) (string, bool, error) {
	return r.GetField(ctx, hashPlayersNode, id.String())
}

func (r *PresenceRepository) SetNode(ctx context.Context, id uuid.UUID, node string) error {
	return r.SetField(ctx, hashPlayersNode, id.String(), node)
}

func (r *PresenceRepository) ClearNode(ctx context.Context, id uuid.UUID) error {
	return r.DeleteField(ctx, hashPlayersNode, id.String())
}

func (r *PresenceRepository) SetName(ctx context.Context, id uuid.UUID, name string) error {
	return r.SetField(ctx, hashPlayersName, id.String(), name)
}

func (r *PresenceRepository) SetIP(ctx context.Context, id uuid.UUID, ip string) error {
	return r.SetField(ctx, hashPlayersIP, id.String(), ip)
}

func (r *PresenceRepository) ClearIP(ctx context.Context, id uuid.UUID) error {
	return r.DeleteField(ctx, hashPlayersIP, id.String())
}

func (r *PresenceRepository) SetServer(ctx context.Context, id uuid.UUID, server string) error {
	return r.SetField(ctx, hashPlayersServer, id.String(), server)
}

func (r *PresenceRepository) ClearServer(ctx context.Context, id uuid.UUID) error {
	return r.DeleteField(ctx, hashPlayersServer, id.String())
}

func (r *PresenceRepository) SetLastSeen(ctx context.Context, id uuid.UUID, t time.Time) error {
	return r.SetField(ctx, hashPlayersLastSeen, id.String(), t.UTC().Format(time.RFC3339))
}

// Session reads every field of one player. It returns nil when the registry has never seen the id.
// Fields are read one by one, so a session being written concurrently may be observed half applied.
func (r *PresenceRepository) Session(ctx context.Context, id uuid.UUID) (*PlayerSession, error) {
	field := id.String()
	session := &PlayerSession{ID: id}
	known := false

	for _, f := range []struct {
		hash string
		dst  *string
	}{
		{hashPlayersName, &session.Name},
		{hashPlayersNode, &session.Node},
		{hashPlayersServer, &session.Server},
		{hashPlayersIP, &session.IP},
	} {
		value, found, err := r.GetField(ctx, f.hash, field)
		if err != nil {
			return nil, err
		}
		if found {
			*f.dst = value
			known = true
		}
	}

	raw, found, err := r.GetField(ctx, hashPlayersLastSeen, field)
	if err != nil {
		return nil, err
	}
	if found {
		known = true
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			session.LastSeen = t
		} else {
			r.logger.Debug("Ignoring malformed last seen", zap.String("id", field), zap.String("value", raw),
				zap.Error(fmt.Errorf("%w: %v", ErrMalformedRecord, err)))
		}
	}

	if !known {
		return nil, nil
	}
	return session, nil
}

// IDByName resolves a display name to a player id. If several ids carry the name
// an online one is preferred, then the smallest id.
func (r *PresenceRepository) IDByName(ctx context.Context, name string) (uuid.UUID, bool, error) {
	names, err := r.AllPairs(ctx, hashPlayersName)
	if err != nil {
		return uuid.Nil, false, err
	}

	candidates := make([]uuid.UUID, 0, 1)
	for field, value := range names {
		if value != name {
			continue
		}
		id, err := uuid.FromString(field)
		if err != nil {
			r.logger.Debug("Ignoring malformed player id", zap.String("id", field))
			continue
		}
		candidates = append(candidates, id)
	}

	switch len(candidates) {
	case 0:
		return uuid.Nil, false, nil
	case 1:
		return candidates[0], true, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].String() < candidates[j].String() })
	for _, id := range candidates {
		if _, online, err := r.NodeOf(ctx, id); err != nil {
			return uuid.Nil, false, err
		} else if online {
			return id, true, nil
		}
	}
	return candidates[0], true, nil
}

// NodeMappings returns every online player with the node holding it.
func (r *PresenceRepository) NodeMappings(ctx context.Context) (map[uuid.UUID]string, error) {
	pairs, err := r.AllPairs(ctx, hashPlayersNode)
	if err != nil {
		return nil, err
	}
	mappings := make(map[uuid.UUID]string, len(pairs))
	for field, node := range pairs {
		id, err := uuid.FromString(field)
		if err != nil || node == "" {
			r.logger.Debug("Ignoring malformed node mapping", zap.String("id", field), zap.String("node", node))
			continue
		}
		mappings[id] = node
	}
	return mappings, nil
}

// Names returns the display name of every player the registry knows.
func (r *PresenceRepository) Names(ctx context.Context) (map[uuid.UUID]string, error) {
	pairs, err := r.AllPairs(ctx, hashPlayersName)
	if err != nil {
		return nil, err
	}
	names := make(map[uuid.UUID]string, len(pairs))
	for field, name := range pairs {
		if id, err := uuid.FromString(field); err == nil {
			names[id] = name
		}
	}
	return names, nil
}

func (r *PresenceRepository) BlacklistIP(ctx context.Context, id uuid.UUID) (string, bool, error) {
	return r.GetField(ctx, hashPlayersBlacklist, id.String())
}

// TouchBlacklist records the latest IP a blacklisted player tried to connect from.
func (r *PresenceRepository) TouchBlacklist(ctx context.Context, id uuid.UUID, ip string) error {
	return r.SetField(ctx, hashPlayersBlacklist, id.String(), ip)
}

func (r *PresenceRepository) Blacklist(ctx context.Context) (map[uuid.UUID]string, error) {
	pairs, err := r.AllPairs(ctx, hashPlayersBlacklist)
	if err != nil {
		return nil, err
	}
	entries := make(map[uuid.UUID]string, len(pairs))
	for field, ip := range pairs {
		if id, err := uuid.FromString(field); err == nil {
			entries[id] = ip
		}
	}
	return entries, nil
}

// NodeCount returns the cached online count of node; absent or malformed reads as not found.
func (r *PresenceRepository) NodeCount(ctx context.Context, node string) (int, bool, error) {
	raw, found, err := r.GetField(ctx, hashNodeCounts, node)
	if err != nil || !found {
		return 0, false, err
	}
	return r.parseCount(hashNodeCounts, raw)
}

func (r *PresenceRepository) NodeCounts(ctx context.Context) (map[string]int, error) {
	pairs, err := r.AllPairs(ctx, hashNodeCounts)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(pairs))
	for node, raw := range pairs {
		if n, ok, _ := r.parseCount(hashNodeCounts, raw); ok {
			counts[node] = n
		} else {
			counts[node] = 0
		}
	}
	return counts, nil
}

func (r *PresenceRepository) SetNodeCount(ctx context.Context, node string, count int) error {
	return r.SetField(ctx, hashNodeCounts, node, strconv.Itoa(count))
}

func (r *PresenceRepository) GlobalCount(ctx context.Context) (int, bool, error) {
	return r.GetCounter(ctx, keyGlobalCount)
}

func (r *PresenceRepository) SetGlobalCount(ctx context.Context, count int) error {
	return r.SetCounter(ctx, keyGlobalCount, count)
}

// Nodes returns the node lease table: node id to last heartbeat.
// A malformed heartbeat reads as the zero time, which makes the lease stale.
func (r *PresenceRepository) Nodes(ctx context.Context) (map[string]time.Time, error) {
	pairs, err := r.AllPairs(ctx, hashNodes)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]time.Time, len(pairs))
	for node, raw := range pairs {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			r.logger.Debug("Ignoring malformed heartbeat", zap.String("node", node), zap.String("value", raw))
			nodes[node] = time.Time{}
			continue
		}
		nodes[node] = time.UnixMilli(ms)
	}
	return nodes, nil
}

func (r *PresenceRepository) Heartbeat(ctx context.Context, node string, t time.Time) error {
	return r.SetField(ctx, hashNodes, node, strconv.FormatInt(t.UnixMilli(), 10))
}

// ForgetNode removes the lease and the cached count of node.
func (r *PresenceRepository) ForgetNode(ctx context.Context, node string) error {
	if err := r.DeleteField(ctx, hashNodes, node); err != nil {
		return err
	}
	return r.DeleteField(ctx, hashNodeCounts, node)
}

func (r *PresenceRepository) BootGate(ctx context.Context) (bool, error) {
	value, found, err := r.GetString(ctx, keyBootGate)
	if err != nil {
		return false, err
	}
	return found && value == bootGateSet, nil
}

func (r *PresenceRepository) SetBootGate(ctx context.Context) error {
	return r.SetString(ctx, keyBootGate, bootGateSet)
}

func (r *PresenceRepository) ClearBootGate(ctx context.Context) error {
	return r.DeleteString(ctx, keyBootGate)
}
