package client

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
)

// shardCount количество шардов, степень 2
const shardCount = 16

// session вызов, зарегистрированный в реестре: исходящий, принятый или ожидающий решения
type session interface {
	LocalNumber() uint16
	handleFull(f *frame.FullFrame)
	handleMini(m *frame.MiniFrame)
	tick(now time.Time)
	// shutdown завершает вызов при отключении клиента
	shutdown()
	// finish освобождает номер вызова
	finish()
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[uint16]session
}

// sessionMap карта сессий по номеру вызова с шардированием по fnv
type sessionMap struct {
	shards [shardCount]*sessionShard
}

func newSessionMap() *sessionMap {
	m := &sessionMap{}
	for i := range m.shards {
		m.shards[i] = &sessionShard{sessions: make(map[uint16]session)}
	}
	return m
}

func (m *sessionMap) shard(key uint16) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte{byte(key >> 8), byte(key)})
	return m.shards[h.Sum32()&(shardCount-1)]
}

func (m *sessionMap) set(key uint16, s session) {
	sh := m.shard(key)
	sh.mu.Lock()
	sh.sessions[key] = s
	sh.mu.Unlock()
}

func (m *sessionMap) get(key uint16) (session, bool) {
	sh := m.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[key]
	return s, ok
}

// deleteIf удаляет запись, только если она указывает на s
func (m *sessionMap) deleteIf(key uint16, s session) bool {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.sessions[key]; ok && cur == s {
		delete(sh.sessions, key)
		return true
	}
	return false
}

func (m *sessionMap) count() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// snapshot копия всех сессий; обход выполняется без блокировок
func (m *sessionMap) snapshot() []session {
	var out []session
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// registry реестр вызовов клиента: локальный номер -> сессия и номер собеседника -> сессия.
// Номера выделяются под общей блокировкой, самый младший свободный.
type registry struct {
	locals *sessionMap
	peers  *sessionMap

	allocMu sync.Mutex
	used    []bool
}

func newRegistry(maxCalls int) *registry {
	return &registry{
		locals: newSessionMap(),
		peers:  newSessionMap(),
		used:   make([]bool, maxCalls),
	}
}

// allocate выделяет номер и регистрирует сессию, созданную build
func (r *registry) allocate(build func(number uint16) session) (session, error) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()
	for i, busy := range r.used {
		if busy {
			continue
		}
		number := uint16(CallNumberBase + 1 + i)
		s := build(number)
		r.used[i] = true
		r.locals.set(number, s)
		return s, nil
	}
	return nil, ErrCapacity
}

// bindPeer запоминает номер собеседника для маршрутизации мини кадров
func (r *registry) bindPeer(peer uint16, s session) {
	if peer != 0 {
		r.peers.set(peer, s)
	}
}

// replace заменяет сессию под тем же номером (принятие входящего вызова)
func (r *registry) replace(old, s session, peer uint16) {
	r.locals.set(s.LocalNumber(), s)
	r.peers.deleteIf(peer, old)
	r.bindPeer(peer, s)
}

// release удаляет сессию и освобождает номер
func (r *registry) release(s session, peer uint16) {
	number := s.LocalNumber()
	r.peers.deleteIf(peer, s)
	if !r.locals.deleteIf(number, s) {
		return
	}
	r.allocMu.Lock()
	r.used[int(number)-CallNumberBase-1] = false
	r.allocMu.Unlock()
}

func (r *registry) byLocal(number uint16) (session, bool) { return r.locals.get(number) }
func (r *registry) byPeer(number uint16) (session, bool)  { return r.peers.get(number) }
func (r *registry) all() []session                        { return r.locals.snapshot() }
func (r *registry) count() int                            { return r.locals.count() }
