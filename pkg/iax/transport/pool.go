package transport

import (
	"hash/fnv"
	"sync"
)

// keyedPool пул обработчиков с выбором по ключу.
// Обработчик = fnv(ключ) % число обработчиков, поэтому порядок в пределах
// одного ключа сохраняется.
type keyedPool struct {
	queues  []chan []byte
	handler Handler
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func newKeyedPool(workers, queueSize int, h Handler) *keyedPool {
	p := &keyedPool{
		queues:  make([]chan []byte, workers),
		handler: h,
	}
	for i := range p.queues {
		q := make(chan []byte, queueSize)
		p.queues[i] = q
		p.wg.Add(1)
		go p.run(q)
	}
	return p
}

func (p *keyedPool) run(q chan []byte) {
	defer p.wg.Done()
	for data := range q {
		p.handler(data)
	}
}

// worker индекс обработчика для ключа
func (p *keyedPool) worker(key uint16) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte{byte(key >> 8), byte(key)})
	return int(h.Sum32() % uint32(len(p.queues)))
}

// dispatch ставит данные в очередь; false если очередь полна или пул остановлен
func (p *keyedPool) dispatch(key uint16, data []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.queues[p.worker(key)] <- data:
		return true
	default:
		return false
	}
}

// stop закрывает очереди и ждет, пока обработчики разберут остаток
func (p *keyedPool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
