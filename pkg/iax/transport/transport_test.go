package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newTransport(t *testing.T, server *net.UDPConn) *UDPTransport {
	t.Helper()
	tr, err := New(Config{
		LocalAddr:  "127.0.0.1:0",
		RemoteAddr: server.LocalAddr().String(),
		Workers:    3,
		QueueSize:  64,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// datagram минимальный полный кадр с указанным номером источника и байтом-маркером
func datagram(src uint16, mark byte) []byte {
	b := make([]byte, 12)
	b[0] = 0x80 | byte(src>>8)
	b[1] = byte(src)
	b[11] = mark
	return b
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Error(t, cfg.Validate())

	cfg.RemoteAddr = "127.0.0.1:4569"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, ":0", cfg.LocalAddr)

	cfg.DSCP = 64
	assert.Error(t, cfg.Validate())
}

func TestSendReachesServer(t *testing.T) {
	server := fakeServer(t)
	tr := newTransport(t, server)

	require.NoError(t, tr.Send([]byte("hello")))

	buf := make([]byte, 64)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, addr, err := server.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, tr.LocalAddr().(*net.UDPAddr).Port, addr.Port)

	sent, _ := tr.Stats()
	assert.EqualValues(t, 1, sent)
}

func TestReceiveKeepsPerSourceOrder(t *testing.T) {
	server := fakeServer(t)
	tr := newTransport(t, server)

	const perSource = 50
	sources := []uint16{1, 2, 1001, 1002}

	var mu sync.Mutex
	got := make(map[uint16][]byte)
	done := make(chan struct{})
	total := 0

	require.NoError(t, tr.Start(context.Background(), func(data []byte) {
		src := uint16(data[0]&0x7F)<<8 | uint16(data[1])
		mu.Lock()
		defer mu.Unlock()
		got[src] = append(got[src], data[11])
		total++
		if total == perSource*len(sources) {
			close(done)
		}
	}, nil))

	local := tr.LocalAddr().(*net.UDPAddr)
	for i := 0; i < perSource; i++ {
		for _, src := range sources {
			_, err := server.WriteToUDP(datagram(src, byte(i)), local)
			require.NoError(t, err)
		}
		if i%10 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all datagrams delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, src := range sources {
		require.Len(t, got[src], perSource)
		for i, mark := range got[src] {
			assert.Equal(t, byte(i), mark, "source %d out of order", src)
		}
	}
}

func TestForeignDatagramsIgnored(t *testing.T) {
	server := fakeServer(t)
	tr := newTransport(t, server)

	received := make(chan []byte, 4)
	require.NoError(t, tr.Start(context.Background(), func(data []byte) { received <- data }, nil))

	stranger := fakeServer(t)
	local := tr.LocalAddr().(*net.UDPAddr)
	_, err := stranger.WriteToUDP(datagram(7, 1), local)
	require.NoError(t, err)
	_, err = server.WriteToUDP(datagram(7, 2), local)
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Equal(t, byte(2), data[11])
	case <-time.After(2 * time.Second):
		t.Fatal("datagram from server not delivered")
	}
	select {
	case data := <-received:
		t.Fatalf("unexpected datagram %v", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerAffinity(t *testing.T) {
	p := newKeyedPool(4, 1, func([]byte) {})
	defer p.stop()
	for key := uint16(0); key < 2000; key++ {
		assert.Equal(t, p.worker(key), p.worker(key))
		assert.Less(t, p.worker(key), 4)
	}
}

func TestPoolDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	p := newKeyedPool(1, 1, func([]byte) { <-block })

	assert.True(t, p.dispatch(1, []byte{1}))
	// первая датаграмма может уже находиться в обработчике
	accepted := 0
	for i := 0; i < 3; i++ {
		if p.dispatch(1, []byte{2}) {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, 1)

	close(block)
	p.stop()
	assert.False(t, p.dispatch(1, []byte{3}))
}

func TestCloseIsIdempotent(t *testing.T) {
	server := fakeServer(t)
	tr := newTransport(t, server)
	require.NoError(t, tr.Start(context.Background(), func([]byte) {}, nil))

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send([]byte{1}), ErrClosed)
}

func TestContextCancelClosesTransport(t *testing.T) {
	server := fakeServer(t)
	tr := newTransport(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Start(ctx, func([]byte) {}, nil))

	cancel()
	assert.Eventually(t, func() bool {
		return tr.Send([]byte{1}) != nil
	}, 2*time.Second, 10*time.Millisecond)
}
