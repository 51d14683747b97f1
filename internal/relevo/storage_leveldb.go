package relevo

import (
	"bytes"
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Key layout:
//
//	g:<generation>            generation marker
//	e:<generation>\x00<key>   gob CacheEntry
//	m:<generation>\x00<key>   gob diskMeta
const keySep = "\x00"

type diskMeta struct {
	Size       int64
	LastAccess int64 // unix nanoseconds
}

type genIndex struct {
	entries map[string]diskMeta
	total   int64
}

type touchOp struct {
	gen string
	key string
}

type levelStorage struct {
	db     *leveldb.DB
	budget budgetFunc
	warn   *rateLimitedLogger

	// gmu is held shared by writes and exclusively by Delete, so a write
	// never lands in a generation that is being removed.
	gmu sync.RWMutex

	mu     sync.Mutex
	index  map[string]*genIndex
	closed bool

	touches chan touchOp
	done    chan struct{}
}

func newLevelStorage(path string, budget budgetFunc, log *zap.Logger) (*levelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	if budget == nil {
		budget = runtimeBudget(0)
	}
	s := &levelStorage{
		db:      db,
		budget:  budget,
		warn:    newRateLimitedLogger(log, time.Minute),
		index:   map[string]*genIndex{},
		touches: make(chan touchOp, 1024),
		done:    make(chan struct{}),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func entryKey(gen, key string) []byte { return []byte("e:" + gen + keySep + key) }
func metaKey(gen, key string) []byte  { return []byte("m:" + gen + keySep + key) }
func genKey(gen string) []byte        { return []byte("g:" + gen) }

func (s *levelStorage) loadIndex() error {
	idx := map[string]*genIndex{}

	git := s.db.NewIterator(util.BytesPrefix([]byte("g:")), nil)
	for git.Next() {
		name := string(bytes.TrimPrefix(git.Key(), []byte("g:")))
		idx[name] = &genIndex{entries: map[string]diskMeta{}}
	}
	git.Release()
	if err := git.Error(); err != nil {
		return err
	}

	mit := s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer mit.Release()
	for mit.Next() {
		rest := string(bytes.TrimPrefix(mit.Key(), []byte("m:")))
		i := strings.IndexByte(rest, 0)
		if i < 0 {
			continue
		}
		gen, key := rest[:i], rest[i+1:]
		g, ok := idx[gen]
		if !ok {
			// No marker: the generation was deleted.
			continue
		}
		var meta diskMeta
		if err := decodeGob(mit.Value(), &meta); err != nil {
			continue
		}
		g.entries[key] = meta
		g.total += meta.Size
	}
	if err := mit.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()
	return nil
}

func (s *levelStorage) Open(_ context.Context, name string) (Cache, error) {
	s.gmu.RLock()
	defer s.gmu.RUnlock()
	s.mu.Lock()
	_, ok := s.index[name]
	if !ok {
		s.index[name] = &genIndex{entries: map[string]diskMeta{}}
	}
	s.mu.Unlock()
	if !ok {
		if err := s.db.Put(genKey(name), nil, nil); err != nil {
			return nil, err
		}
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *levelStorage) Keys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index))
	for k := range s.index {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *levelStorage) Delete(_ context.Context, name string) (bool, error) {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	s.mu.Lock()
	_, ok := s.index[name]
	delete(s.index, name)
	s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(genKey(name))
	for _, prefix := range []string{"e:", "m:"} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix+name+keySep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return ok, err
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return ok, err
	}
	return ok, nil
}

func (s *levelStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.touches)
	s.mu.Unlock()
	<-s.done
	return s.db.Close()
}

// TotalSize is the encoded size of every entry across generations.
func (s *levelStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, g := range s.index {
		total += g.total
	}
	return total
}

// writerLoop persists access times off the request path.
func (s *levelStorage) writerLoop() {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range s.touches {
		s.touch(op)
	}
}

func (s *levelStorage) touch(op touchOp) {
	s.gmu.RLock()
	defer s.gmu.RUnlock()
	s.mu.Lock()
	g, ok := s.index[op.gen]
	var meta diskMeta
	if ok {
		meta, ok = g.entries[op.key]
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}
	_ = s.db.Put(metaKey(op.gen, op.key), mb, nil)
}

type levelCache struct {
	s    *levelStorage
	name string
}

func (c *levelCache) Match(_ context.Context, key string) (CacheEntry, bool, error) {
	b, err := c.s.db.Get(entryKey(c.name, key), nil)
	if err == leveldb.ErrNotFound {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if g, ok := c.s.index[c.name]; ok && !c.s.closed {
		if meta, ok := g.entries[key]; ok {
			meta.LastAccess = time.Now().UnixNano()
			g.entries[key] = meta
			select {
			case c.s.touches <- touchOp{gen: c.name, key: key}:
			default:
			}
		}
	}
	return ent, true, nil
}

func (c *levelCache) Put(_ context.Context, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().UnixNano()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	total, ok, err := c.write(key, b, meta, mb)
	if err != nil || !ok {
		return err
	}
	if max := c.s.budget(c.name); max > 0 && total > max {
		c.evictSome(key, total, max)
	}
	return nil
}

// write drops the entry when the generation no longer exists and reports
// whether it was stored.
func (c *levelCache) write(key string, b []byte, meta diskMeta, mb []byte) (int64, bool, error) {
	c.s.gmu.RLock()
	defer c.s.gmu.RUnlock()

	c.s.mu.Lock()
	_, ok := c.s.index[c.name]
	c.s.mu.Unlock()
	if !ok {
		return 0, false, nil
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(c.name, key), b)
	batch.Put(metaKey(c.name, key), mb)
	if err := c.s.db.Write(batch, nil); err != nil {
		return 0, false, err
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	g := c.s.index[c.name]
	g.total -= g.entries[key].Size
	g.entries[key] = meta
	g.total += meta.Size
	return g.total, true, nil
}

func (c *levelCache) Delete(_ context.Context, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(c.name, key))
	batch.Delete(metaKey(c.name, key))
	if err := c.s.db.Write(batch, nil); err != nil {
		return err
	}

	c.s.mu.Lock()
	if g, ok := c.s.index[c.name]; ok {
		if meta, ok := g.entries[key]; ok {
			g.total -= meta.Size
			delete(g.entries, key)
		}
	}
	c.s.mu.Unlock()
	return nil
}

func (c *levelCache) Keys(context.Context) ([]string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	g, ok := c.s.index[c.name]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(g.entries))
	for k := range g.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// evictSome deletes the 10% least recently accessed entries, never the one
// just written.
func (c *levelCache) evictSome(keep string, total, max int64) {
	c.s.warn.Warn("cache over budget, evicting",
		zap.String("cache", c.name),
		zap.Int64("total", total),
		zap.Int64("max", max),
	)

	type item struct {
		key string
		m   diskMeta
	}
	c.s.mu.Lock()
	g, ok := c.s.index[c.name]
	if !ok {
		c.s.mu.Unlock()
		return
	}
	items := make([]item, 0, len(g.entries))
	for k, m := range g.entries {
		if k != keep {
			items = append(items, item{k, m})
		}
	}
	c.s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := (len(items) + 1) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		_ = c.Delete(context.Background(), items[i].key)
	}
}
