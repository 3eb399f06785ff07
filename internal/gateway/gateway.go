// Package gateway is the thin typed surface over Redis: JSON document ops,
// stream XADD/XRANGE/XREAD/XTRIM, SET with TTL, hash-based session
// rosters, and pub/sub. Every method takes the caller's context and
// enforces its own per-call timeout; failures are returned as
// *GatewayError so callers can branch on Kind, except CommitCheckpoint's
// lost-race sentinel, which IsCheckpointRace detects.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collabboard/boardsync/internal/change"
)

// Config carries the per-call timeouts.
type Config struct {
	SmallOpTimeout time.Duration // e.g. 2s for SET/HSET/EXISTS/PUBLISH/XADD
	JSONGetTimeout time.Duration // e.g. 10s for large JSON.GET chunks
}

// DefaultConfig returns reasonable default timeouts.
func DefaultConfig() Config {
	return Config{SmallOpTimeout: 2 * time.Second, JSONGetTimeout: 10 * time.Second}
}

// Gateway wraps a redis.UniversalClient. A *redis.Client built against a
// real server or against miniredis both satisfy this interface, which is
// what makes the gateway's tests hermetic.
type Gateway struct {
	client redis.UniversalClient
	cfg    Config
}

func New(client redis.UniversalClient, cfg Config) *Gateway {
	return &Gateway{client: client, cfg: cfg}
}

func (g *Gateway) smallCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.cfg.SmallOpTimeout)
}

func (g *Gateway) jsonCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.cfg.JSONGetTimeout)
}

// ObjectEntry pairs an object id with its decoded property map, as
// returned by GetObjectsChunk.
type ObjectEntry struct {
	ID     string
	Object map[string]interface{}
}

// StreamEntry is one decoded entry from a board's changes stream.
type StreamEntry struct {
	ID        string
	SessionID string
	Change    change.Change
}

// --- version pointer ---

// GetVersion reads board/{B}/version, returning nil if the board has never
// been checkpointed.
func (g *Gateway) GetVersion(ctx context.Context, boardID string) (*string, error) {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()
	v, err := g.client.Get(ctx, VersionKey(boardID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("GET version", err)
	}
	return &v, nil
}

// --- objects document ---

// GetObjectIDs returns the top-level keys of board/{B}/objects, or an
// empty slice if the document doesn't exist yet.
func (g *Gateway) GetObjectIDs(ctx context.Context, boardID string) ([]string, error) {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()
	res, err := g.client.Do(ctx, "JSON.OBJKEYS", ObjectsKey(boardID), ".").Result()
	if err != nil {
		if isMissingDocument(err) {
			return nil, nil
		}
		return nil, wrap("JSON.OBJKEYS", err)
	}
	return decodeObjKeys(res), nil
}

func decodeObjKeys(res interface{}) []string {
	// RESP2 returns []interface{}; some clients unwrap a single-path result
	// to the flat array directly. Handle both shapes defensively.
	switch v := res.(type) {
	case []interface{}:
		if len(v) == 0 {
			return nil
		}
		if nested, ok := v[0].([]interface{}); ok {
			return toStrings(nested)
		}
		return toStrings(v)
	default:
		return nil
	}
}

func toStrings(in []interface{}) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetObjectsChunk fetches a chunk of object ids as one JSON.GET round trip
// and returns them in the order they were resolved by Redis.
func (g *Gateway) GetObjectsChunk(ctx context.Context, boardID string, ids []string) ([]ObjectEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := g.jsonCtx(ctx)
	defer cancel()

	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, "JSON.GET", ObjectsKey(boardID))
	paths := make([]string, len(ids))
	for i, id := range ids {
		paths[i] = "$." + id
		args = append(args, paths[i])
	}

	raw, err := g.client.Do(ctx, args...).Result()
	if err != nil {
		if isMissingDocument(err) {
			return nil, nil
		}
		return nil, wrap("JSON.GET", err)
	}
	text, ok := raw.(string)
	if !ok || text == "" {
		return nil, nil
	}

	if len(ids) == 1 {
		var values []map[string]interface{}
		if err := json.Unmarshal([]byte(text), &values); err != nil {
			return nil, wrap("JSON.GET decode", err)
		}
		if len(values) == 0 {
			return nil, nil
		}
		return []ObjectEntry{{ID: ids[0], Object: values[0]}}, nil
	}

	var byPath map[string][]map[string]interface{}
	if err := json.Unmarshal([]byte(text), &byPath); err != nil {
		return nil, wrap("JSON.GET decode", err)
	}
	entries := make([]ObjectEntry, 0, len(ids))
	for i, id := range ids {
		values, ok := byPath[paths[i]]
		if !ok || len(values) == 0 {
			continue
		}
		entries = append(entries, ObjectEntry{ID: id, Object: values[0]})
	}
	return entries, nil
}

// missingDocumentSubstring is the text RedisJSON returns for JSON.GET and
// JSON.OBJKEYS against a key that has never been written, on server
// versions that don't reply with a plain redis.Nil.
const missingDocumentSubstring = "could not perform this operation on a key that doesn't exist"

func isMissingDocument(err error) bool {
	// RedisJSON reports a missing document either as redis.Nil or as a
	// "could not perform this operation on a key that doesn't exist" error,
	// depending on server version.
	if err == redis.Nil {
		return true
	}
	return strings.Contains(err.Error(), missingDocumentSubstring)
}

// --- changes stream ---

// AppendChange appends one {session_id, change} entry via XADD and returns
// the assigned stream id.
func (g *Gateway) AppendChange(ctx context.Context, boardID, sessionID string, c change.Change) (string, error) {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()
	payload, err := json.Marshal(c)
	if err != nil {
		return "", wrap("encode change", err)
	}
	id, err := g.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ChangesKey(boardID),
		ID:     "*",
		Values: map[string]interface{}{
			"session_id": sessionID,
			"change":     string(payload),
		},
	}).Result()
	if err != nil {
		return "", wrap("XADD", err)
	}
	return id, nil
}

// ReadChangesAfter blocks up to block for entries with id strictly after
// afterID using a short block timeout so streaming reads stay responsive
// to cancellation. A redis.Nil-shaped timeout is reported as a nil, nil
// result, not an error.
func (g *Gateway) ReadChangesAfter(ctx context.Context, boardID, afterID string, block time.Duration) ([]StreamEntry, error) {
	callCtx, cancel := context.WithTimeout(ctx, block+g.cfg.SmallOpTimeout)
	defer cancel()
	res, err := g.client.XRead(callCtx, &redis.XReadArgs{
		Streams: []string{ChangesKey(boardID), afterID},
		Block:   block,
		Count:   0,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("XREAD", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return decodeStreamMessages(res[0].Messages)
}

// RangeChangesAfter performs a non-blocking XRANGE from just after afterID,
// used by the checkpointer to pull a batch.
func (g *Gateway) RangeChangesAfter(ctx context.Context, boardID, afterID string, count int64) ([]StreamEntry, error) {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()
	start := "(" + afterID
	res, err := g.client.XRangeN(ctx, ChangesKey(boardID), start, "+", count).Result()
	if err != nil {
		return nil, wrap("XRANGE", err)
	}
	return decodeStreamMessages(res)
}

func decodeStreamMessages(msgs []redis.XMessage) ([]StreamEntry, error) {
	entries := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		sessionID, _ := m.Values["session_id"].(string)
		raw, _ := m.Values["change"].(string)
		var c change.Change
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, &GatewayError{Kind: KindPermanent, Op: "decode stream entry " + m.ID, Err: err}
		}
		entries = append(entries, StreamEntry{ID: m.ID, SessionID: sessionID, Change: c})
	}
	return entries, nil
}

// CommitCheckpoint atomically applies changes to the objects document,
// advances the version pointer to newVersion, and trims the stream up to
// and including newVersion, all in one MULTI/EXEC, guarded by WATCH on the
// version key so a racing backend instance restarts instead of double
// applying.
func (g *Gateway) CommitCheckpoint(ctx context.Context, boardID, expectedVersion, newVersion string, changes []StreamEntry) error {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()

	versionKey := VersionKey(boardID)
	objectsKey := ObjectsKey(boardID)
	changesKey := ChangesKey(boardID)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != expectedVersion {
			return errCheckpointRaced
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Do(ctx, "JSON.SET", objectsKey, ".", "{}", "NX")
			for _, entry := range changes {
				switch entry.Change.Type {
				case change.KindDelete:
					pipe.Do(ctx, "JSON.DEL", objectsKey, "$."+entry.Change.ID)
				case change.KindInsert:
					body, _ := json.Marshal(entry.Change.Object)
					pipe.Do(ctx, "JSON.SET", objectsKey, "$."+entry.Change.ID, string(body))
				case change.KindUpdate:
					pipe.Do(ctx, "JSON.SET", objectsKey, fmt.Sprintf("$.%s.%s", entry.Change.ID, entry.Change.Key), string(entry.Change.Value))
				}
			}
			pipe.Set(ctx, versionKey, newVersion, 0)
			pipe.XTrimMinID(ctx, changesKey, newVersion)
			return nil
		})
		return err
	}

	err := g.client.Watch(ctx, txf, versionKey)
	if err == errCheckpointRaced {
		return errCheckpointRaced
	}
	if err != nil {
		return wrap("checkpoint commit", err)
	}
	return nil
}

// IsCheckpointRace reports whether err is the sentinel returned when
// another backend instance advanced the version pointer first.
func IsCheckpointRace(err error) bool { return err == errCheckpointRaced }

// --- presence / sessions ---

func (g *Gateway) SetCheckin(ctx context.Context, sessionID string, ttl time.Duration) error {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()
	if err := g.client.Set(ctx, CheckinKey(sessionID), 1, ttl).Err(); err != nil {
		return wrap("SET checkin", err)
	}
	return nil
}

func (g *Gateway) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()
	n, err := g.client.Exists(ctx, CheckinKey(sessionID)).Result()
	if err != nil {
		return false, wrap("EXISTS checkin", err)
	}
	return n > 0, nil
}

// SessionEntry pairs a board session with the username it joined under, as
// recorded in the board's sessions hash.
type SessionEntry struct {
	SessionID string
	Username  string
}

// AddBoardSession records sessionID as present on boardID under username.
// The board's sessions key is a hash rather than a plain set so a session's
// username survives for roster replay to later joiners, not just its id.
func (g *Gateway) AddBoardSession(ctx context.Context, boardID, sessionID, username string) error {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()
	if err := g.client.HSet(ctx, SessionsKey(boardID), sessionID, username).Err(); err != nil {
		return wrap("HSET sessions", err)
	}
	return nil
}

func (g *Gateway) RemoveBoardSession(ctx context.Context, boardID, sessionID string) error {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()
	if err := g.client.HDel(ctx, SessionsKey(boardID), sessionID).Err(); err != nil {
		return wrap("HDEL sessions", err)
	}
	return nil
}

// BoardSessions returns every session currently recorded as present on
// boardID along with the username it joined under.
func (g *Gateway) BoardSessions(ctx context.Context, boardID string) ([]SessionEntry, error) {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()
	fields, err := g.client.HGetAll(ctx, SessionsKey(boardID)).Result()
	if err != nil {
		return nil, wrap("HGETALL sessions", err)
	}
	entries := make([]SessionEntry, 0, len(fields))
	for sessionID, username := range fields {
		entries = append(entries, SessionEntry{SessionID: sessionID, Username: username})
	}
	return entries, nil
}

func (g *Gateway) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := g.smallCtx(ctx)
	defer cancel()
	if err := g.client.Publish(ctx, channel, payload).Err(); err != nil {
		return wrap("PUBLISH", err)
	}
	return nil
}

// PSubscribe subscribes to a channel pattern (e.g. "board/*/presence") and
// returns the raw *redis.PubSub so the presence fanout can drain it in its
// own receive loop.
func (g *Gateway) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return g.client.PSubscribe(ctx, pattern)
}

var errCheckpointRaced = fmt.Errorf("gateway: version pointer advanced by another instance")
