package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// missingDocumentText mirrors the alternate "doesn't exist" error RedisJSON
// returns for JSON.GET/JSON.OBJKEYS on some server versions instead of
// redis.Nil; kept as a literal here rather than exported from the gateway
// package so these tests pin the exact wire text the gateway matches on.
const missingDocumentText = "could not perform this operation on a key that doesn't exist"

// fakeJSONStore is a minimal in-process RedisJSON simulator wired into a
// go-redis client as a ProcessHook/ProcessPipelineHook pair. JSON.SET,
// JSON.GET, JSON.DEL and JSON.OBJKEYS are intercepted and answered from an
// in-memory document map; every other command (GET/SET/WATCH/XADD/XTRIM/...)
// passes through to the hook chain underneath it, normally a miniredis
// instance. This is what lets CommitCheckpoint and GetObjectsChunk be
// exercised without a real RedisJSON-capable server.
type fakeJSONStore struct {
	mu            sync.Mutex
	docs          map[string]map[string]interface{}
	missingAsText map[string]bool
}

func newFakeJSONStore() *fakeJSONStore {
	return &fakeJSONStore{
		docs:          make(map[string]map[string]interface{}),
		missingAsText: make(map[string]bool),
	}
}

// seed installs a document directly, bypassing JSON.SET, for test setup.
func (f *fakeJSONStore) seed(key string, doc map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[key] = doc
}

// simulateTextualMissing marks key so a lookup against it, when absent,
// reports the alternate textual RedisJSON error instead of redis.Nil.
func (f *fakeJSONStore) simulateTextualMissing(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missingAsText[key] = true
}

func (f *fakeJSONStore) DialHook(next redis.DialHook) redis.DialHook { return next }

func (f *fakeJSONStore) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if f.handle(cmd) {
			return cmd.Err()
		}
		return next(ctx, cmd)
	}
}

func (f *fakeJSONStore) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		passthrough := make([]redis.Cmder, 0, len(cmds))
		for _, cmd := range cmds {
			if !f.handle(cmd) {
				passthrough = append(passthrough, cmd)
			}
		}
		if len(passthrough) == 0 {
			return nil
		}
		return next(ctx, passthrough)
	}
}

// handle answers cmd in place if it names a JSON.* command, returning
// whether it did.
func (f *fakeJSONStore) handle(cmd redis.Cmder) bool {
	args := cmd.Args()
	if len(args) == 0 {
		return false
	}
	name, _ := args[0].(string)
	c, ok := cmd.(*redis.Cmd)
	if !ok {
		return false
	}
	switch name {
	case "JSON.SET":
		f.handleSet(c, args)
	case "JSON.GET":
		f.handleGet(c, args)
	case "JSON.DEL":
		f.handleDel(c, args)
	case "JSON.OBJKEYS":
		f.handleObjKeys(c, args)
	default:
		return false
	}
	return true
}

func (f *fakeJSONStore) missingErr(key string) error {
	if f.missingAsText[key] {
		return errors.New(missingDocumentText)
	}
	return redis.Nil
}

func (f *fakeJSONStore) handleSet(c *redis.Cmd, args []interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, _ := args[1].(string)
	path, _ := args[2].(string)
	raw, _ := args[3].(string)
	nx := len(args) > 4

	doc, exists := f.docs[key]
	if path == "." {
		if nx && exists {
			c.SetVal(nil)
			return
		}
		var whole map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &whole); err != nil {
			c.SetErr(err)
			return
		}
		f.docs[key] = whole
		c.SetVal("OK")
		return
	}

	if doc == nil {
		doc = make(map[string]interface{})
	}
	id, rest := splitJSONPath(path)
	var val interface{}
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		c.SetErr(err)
		return
	}
	if rest == "" {
		doc[id] = val
	} else {
		obj, _ := doc[id].(map[string]interface{})
		if obj == nil {
			obj = make(map[string]interface{})
		}
		obj[rest] = val
		doc[id] = obj
	}
	f.docs[key] = doc
	c.SetVal("OK")
}

func (f *fakeJSONStore) handleGet(c *redis.Cmd, args []interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, _ := args[1].(string)
	doc, exists := f.docs[key]
	if !exists {
		c.SetErr(f.missingErr(key))
		return
	}

	paths := make([]string, 0, len(args)-2)
	for _, a := range args[2:] {
		if s, ok := a.(string); ok {
			paths = append(paths, s)
		}
	}

	if len(paths) == 1 {
		id, _ := splitJSONPath(paths[0])
		var values []interface{}
		if v, ok := doc[id]; ok {
			values = []interface{}{v}
		} else {
			values = []interface{}{}
		}
		b, _ := json.Marshal(values)
		c.SetVal(string(b))
		return
	}

	byPath := make(map[string][]interface{}, len(paths))
	for _, p := range paths {
		id, _ := splitJSONPath(p)
		if v, ok := doc[id]; ok {
			byPath[p] = []interface{}{v}
		} else {
			byPath[p] = []interface{}{}
		}
	}
	b, _ := json.Marshal(byPath)
	c.SetVal(string(b))
}

func (f *fakeJSONStore) handleDel(c *redis.Cmd, args []interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, _ := args[1].(string)
	path, _ := args[2].(string)
	doc, exists := f.docs[key]
	if !exists {
		c.SetVal(int64(0))
		return
	}
	id, _ := splitJSONPath(path)
	if _, ok := doc[id]; ok {
		delete(doc, id)
		c.SetVal(int64(1))
		return
	}
	c.SetVal(int64(0))
}

func (f *fakeJSONStore) handleObjKeys(c *redis.Cmd, args []interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, _ := args[1].(string)
	doc, exists := f.docs[key]
	if !exists {
		c.SetErr(f.missingErr(key))
		return
	}
	ids := make([]interface{}, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	c.SetVal([]interface{}{ids})
}

// splitJSONPath splits a "$.id" or "$.id.key" RedisJSON path into its
// object id and, if present, its nested key.
func splitJSONPath(path string) (id, rest string) {
	trimmed := strings.TrimPrefix(path, "$.")
	parts := strings.SplitN(trimmed, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
