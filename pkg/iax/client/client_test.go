package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
	"github.com/arzzra/iax_phone/pkg/iax/ie"
	"github.com/arzzra/iax_phone/pkg/iax/media"
	"github.com/arzzra/iax_phone/pkg/iax/state"
	"github.com/arzzra/iax_phone/pkg/iax/transport"
)

const serverNumber = 5

// fakeTransport транспорт в памяти: отправленные кадры попадают в канал,
// входящие доставляются синхронно через deliver.
type fakeTransport struct {
	mu      sync.Mutex
	handler transport.Handler
	sent    chan []byte
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan []byte, 256)}
}

func (t *fakeTransport) Start(_ context.Context, h transport.Handler, _ func(error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
	return nil
}

func (t *fakeTransport) Send(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.sent <- append([]byte(nil), b...)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) deliver(tb testing.TB, f frame.Frame) {
	tb.Helper()
	b, err := frame.Marshal(f)
	require.NoError(tb, err)
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	require.NotNil(tb, h, "transport not started")
	h(b)
}

// next следующий отправленный кадр
func (t *fakeTransport) next(tb testing.TB) frame.Frame {
	tb.Helper()
	select {
	case b := <-t.sent:
		f, err := frame.Parse(b)
		require.NoError(tb, err)
		return f
	case <-time.After(2 * time.Second):
		tb.Fatal("no frame sent")
		return nil
	}
}

func (t *fakeTransport) nextFull(tb testing.TB) *frame.FullFrame {
	tb.Helper()
	f, ok := t.next(tb).(*frame.FullFrame)
	require.True(tb, ok, "expected full frame")
	return f
}

// expectIAX следующий сигнальный кадр с подклассом sub
func (t *fakeTransport) expectIAX(tb testing.TB, sub frame.IAXSubclass) (*frame.FullFrame, ie.Set) {
	tb.Helper()
	f := t.nextFull(tb)
	body, ok := f.IAX()
	require.True(tb, ok, "expected IAX frame, got %s", f)
	require.Equal(tb, sub, body.Subclass, "got %s", f)
	return f, body.Elements()
}

func (t *fakeTransport) expectControl(tb testing.TB, sub frame.ControlSubclass) *frame.FullFrame {
	tb.Helper()
	f := t.nextFull(tb)
	ctl, ok := f.Control()
	require.True(tb, ok, "expected control frame, got %s", f)
	require.Equal(tb, sub, ctl.Subclass)
	return f
}

func (t *fakeTransport) expectSilence(tb testing.TB) {
	tb.Helper()
	select {
	case b := <-t.sent:
		f, _ := frame.Parse(b)
		tb.Fatalf("unexpected frame %v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

type recordingListener struct {
	NopClientListener
	mu        sync.Mutex
	connects  []bool
	states    []string
	disc      int
	retxErr   []error
	incoming  chan *PendingCall
	supported media.Format
}

func newRecordingListener() *recordingListener {
	return &recordingListener{incoming: make(chan *PendingCall, 4)}
}

func (l *recordingListener) OnConnect(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects = append(l.connects, ok)
}

func (l *recordingListener) OnDisconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disc++
}

func (l *recordingListener) OnStateChanged(_, cur string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, cur)
}

func (l *recordingListener) OnRetransmitError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retxErr = append(l.retxErr, err)
}

func (l *recordingListener) OnIncomingCall(p *PendingCall) { l.incoming <- p }

func (l *recordingListener) SupportsCodec(f media.Format) bool {
	return l.supported == 0 || l.supported.Has(f)
}

type recordingCall struct {
	NopCallListener
	mu      sync.Mutex
	events  []string
	cause   ie.CauseCode
	hangup  chan struct{}
	once    sync.Once
	dtmf    []byte
	audioOn []bool
	audio   chan []byte
	lastFmt media.Format
}

func newRecordingCall() *recordingCall {
	return &recordingCall{hangup: make(chan struct{}), audio: make(chan []byte, 16)}
}

func (r *recordingCall) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingCall) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingCall) OnRinging(*Call)    { r.add("ringing") }
func (r *recordingCall) OnProceeding(*Call) { r.add("proceeding") }
func (r *recordingCall) OnAnswered(*Call)   { r.add("answered") }
func (r *recordingCall) OnBusy(*Call)       { r.add("busy") }
func (r *recordingCall) OnCongestion(*Call) { r.add("congestion") }

func (r *recordingCall) OnHangup(_ *Call, cause ie.CauseCode, _ string) {
	r.mu.Lock()
	r.cause = cause
	r.mu.Unlock()
	r.add("hangup")
	r.once.Do(func() { close(r.hangup) })
}

func (r *recordingCall) OnDTMF(_ *Call, d byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dtmf = append(r.dtmf, d)
}

func (r *recordingCall) OnText(*Call, string) {}

func (r *recordingCall) OnAudioEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioOn = append(r.audioOn, on)
}

func (r *recordingCall) OnAudio(data []byte, f media.Format) {
	r.mu.Lock()
	r.lastFmt = f
	r.mu.Unlock()
	r.audio <- data
}

func newTestClient(t *testing.T, mutate func(*Config)) (*Client, *fakeTransport, *recordingListener) {
	t.Helper()
	tr := newFakeTransport()
	l := newRecordingListener()
	cfg := Config{
		Username:     "alice",
		Password:     "secret",
		TickInterval: time.Hour,
		Listener:     l,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, tr)
	require.NoError(t, err)
	require.NoError(t, c.start())
	t.Cleanup(func() {
		c.closed.Store(true)
		c.cancel()
		_ = c.group.Wait()
	})
	return c, tr, l
}

func iax(src, dst uint16, oseq, iseq uint8, ts uint32, sub frame.IAXSubclass, els ...ie.IE) *frame.FullFrame {
	return &frame.FullFrame{
		SrcCallNumber: src,
		DstCallNumber: dst,
		Timestamp:     ts,
		OSeq:          oseq,
		ISeq:          iseq,
		Body:          &frame.IAX{Subclass: sub, IEs: els},
	}
}

func control(src, dst uint16, oseq, iseq uint8, sub frame.ControlSubclass) *frame.FullFrame {
	return &frame.FullFrame{
		SrcCallNumber: src,
		DstCallNumber: dst,
		Timestamp:     100,
		OSeq:          oseq,
		ISeq:          iseq,
		Body:          &frame.Control{Subclass: sub},
	}
}

// register регистрирует клиента без аутентификации
func register(t *testing.T, c *Client, tr *fakeTransport) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()

	tr.expectIAX(t, frame.IAXRegReq)
	tr.deliver(t, iax(serverNumber, ClientCallNumber, 0, 1, 5, frame.IAXRegAck, ie.Refresh(60)))
	require.NoError(t, <-errCh)
	tr.expectIAX(t, frame.IAXAck)
}

func TestRegistrationWithMD5(t *testing.T) {
	c, tr, l := newTestClient(t, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()

	req, els := tr.expectIAX(t, frame.IAXRegReq)
	assert.EqualValues(t, ClientCallNumber, req.SrcCallNumber)
	assert.EqualValues(t, 0, req.DstCallNumber)
	assert.EqualValues(t, 0, req.Timestamp)
	assert.EqualValues(t, 0, req.OSeq)
	user, _ := els.Text(ie.TagUsername)
	assert.Equal(t, "alice", user)
	refresh, _ := els.Uint16(ie.TagRefresh)
	assert.EqualValues(t, 60, refresh)

	tr.deliver(t, iax(serverNumber, ClientCallNumber, 0, 1, 10, frame.IAXRegAuth,
		ie.Methods(ie.AuthMD5), ie.Challenge("1234"), ie.Username("alice")))

	reply, els := tr.expectIAX(t, frame.IAXRegReq)
	assert.EqualValues(t, serverNumber, reply.DstCallNumber)
	assert.EqualValues(t, 1, reply.OSeq)
	assert.EqualValues(t, 1, reply.ISeq)
	md5, ok := els.Text(ie.TagMD5Result)
	require.True(t, ok)
	assert.Equal(t, ie.MD5Response("1234", "secret"), md5)

	_, ok = c.ServerTime()
	assert.False(t, ok)

	serverTime := time.Date(2024, time.March, 17, 13, 45, 58, 0, time.UTC)
	tr.deliver(t, iax(serverNumber, ClientCallNumber, 1, 2, 20, frame.IAXRegAck,
		ie.Username("alice"), ie.Refresh(60), ie.DateTime{Value: serverTime}))

	require.NoError(t, <-errCh)
	assert.Equal(t, state.ClientRegistered, c.State())
	assert.Equal(t, 60*time.Second, c.Refresh())
	got, ok := c.ServerTime()
	require.True(t, ok)
	assert.Equal(t, serverTime, got)

	ack, _ := tr.expectIAX(t, frame.IAXAck)
	assert.EqualValues(t, 2, ack.OSeq)
	assert.EqualValues(t, 2, ack.ISeq)
	assert.EqualValues(t, 20, ack.Timestamp)
	assert.Zero(t, c.ch.pending.Len())

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, []bool{true}, l.connects)
	assert.ElementsMatch(t, []string{state.ClientRegSent, state.ClientRegistered}, l.states)
}

func TestRegistrationRejected(t *testing.T) {
	c, tr, l := newTestClient(t, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()
	tr.expectIAX(t, frame.IAXRegReq)
	tr.deliver(t, iax(serverNumber, ClientCallNumber, 0, 1, 10, frame.IAXRegRej,
		ie.Code(ie.CauseFacilityRejected), ie.Cause("no such peer")))

	assert.ErrorIs(t, <-errCh, ErrRejected)
	assert.Equal(t, state.ClientRejected, c.State())
	tr.expectIAX(t, frame.IAXAck)

	// одна повторная попытка, затем отключение
	c.tick(time.Now().Add(DefaultRejectedRetryInterval + time.Second))
	tr.expectIAX(t, frame.IAXRegReq)
	tr.deliver(t, iax(serverNumber, ClientCallNumber, 0, 1, 10, frame.IAXRegRej))
	tr.expectIAX(t, frame.IAXAck)

	c.tick(time.Now().Add(DefaultRejectedRetryInterval + time.Second))
	tr.expectIAX(t, frame.IAXRegRel)
	assert.Equal(t, state.ClientReleasing, c.State())

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, []bool{false, false}, l.connects)
	assert.Equal(t, 1, l.disc)
}

func TestRegistrationAuthLimit(t *testing.T) {
	c, tr, _ := newTestClient(t, func(cfg *Config) { cfg.MaxAuthTries = 2 })

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()
	tr.expectIAX(t, frame.IAXRegReq)

	for i := 0; i < 2; i++ {
		tr.deliver(t, iax(serverNumber, ClientCallNumber, uint8(i), uint8(i+1), 10, frame.IAXRegAuth,
			ie.Methods(ie.AuthMD5), ie.Challenge("c")))
		tr.expectIAX(t, frame.IAXRegReq)
	}
	tr.deliver(t, iax(serverNumber, ClientCallNumber, 2, 3, 10, frame.IAXRegAuth,
		ie.Methods(ie.AuthMD5), ie.Challenge("c")))

	err := <-errCh
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.True(t, IsCategory(err, CategoryAuth))
	assert.Equal(t, state.ClientNoAuth, c.State())
}

func TestLoginTimeout(t *testing.T) {
	c, tr, l := newTestClient(t, func(cfg *Config) { cfg.LoginTimeout = 50 * time.Millisecond })

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrLoginTimeout)
	assert.Equal(t, state.ClientUnregistered, c.State())
	tr.expectIAX(t, frame.IAXRegReq)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, []bool{false}, l.connects)
}

func TestConnectTwice(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestRegistrationRetransmission(t *testing.T) {
	c, tr, l := newTestClient(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(ctx) }()
	orig, _ := tr.expectIAX(t, frame.IAXRegReq)

	now := time.Now()
	c.tick(now.Add(2500 * time.Millisecond))
	again, _ := tr.expectIAX(t, frame.IAXRegReq)
	assert.True(t, again.Retransmitted)
	assert.Equal(t, orig.WithRetransmit(), again)

	c.tick(now.Add(20 * time.Second))
	tr.expectSilence(t)
	assert.Zero(t, c.ch.pending.Len())

	l.mu.Lock()
	require.Len(t, l.retxErr, 1)
	assert.True(t, IsCategory(l.retxErr[0], CategoryRetransmit))
	l.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-errCh, ErrLoginTimeout)
}

func TestRegistrationRefresh(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)

	c.tick(time.Now().Add(61 * time.Second))
	req, _ := tr.expectIAX(t, frame.IAXRegReq)
	assert.EqualValues(t, 0, req.DstCallNumber)
	assert.EqualValues(t, 0, req.OSeq)
	assert.EqualValues(t, 0, req.Timestamp)
	assert.Equal(t, state.ClientRegSent, c.State())
}

func TestClientOrderCheck(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)

	// опережающий кадр: VNAK с ожидаемым номером
	tr.deliver(t, iax(serverNumber, ClientCallNumber, 3, 1, 50, frame.IAXPing))
	vnak, _ := tr.expectIAX(t, frame.IAXVNAK)
	assert.EqualValues(t, 1, vnak.ISeq)
	assert.EqualValues(t, 1, vnak.OSeq)

	// повтор уже обработанного кадра подтверждается, но не обрабатывается
	tr.deliver(t, iax(serverNumber, ClientCallNumber, 0, 1, 5, frame.IAXRegAck))
	ack, _ := tr.expectIAX(t, frame.IAXAck)
	assert.EqualValues(t, 5, ack.Timestamp)
	assert.EqualValues(t, 1, ack.ISeq)

	// ожидаемый кадр обрабатывается
	tr.deliver(t, iax(serverNumber, ClientCallNumber, 1, 1, 60, frame.IAXPing))
	pong, _ := tr.expectIAX(t, frame.IAXPong)
	assert.EqualValues(t, 60, pong.Timestamp)
	assert.EqualValues(t, 2, pong.ISeq)
	assert.Equal(t, 1, c.ch.pending.Len())
}

func TestDetachedPokeReply(t *testing.T) {
	_, tr, _ := newTestClient(t, nil)

	tr.deliver(t, iax(serverNumber, 0, 0, 0, 77, frame.IAXPoke))
	pong, _ := tr.expectIAX(t, frame.IAXPong)
	assert.EqualValues(t, serverNumber, pong.DstCallNumber)
	assert.EqualValues(t, 77, pong.Timestamp)
	assert.EqualValues(t, 0, pong.OSeq)
	assert.EqualValues(t, 1, pong.ISeq)
}

func TestPoke(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Poke(context.Background())
		done <- err
	}()
	poke, _ := tr.expectIAX(t, frame.IAXPoke)
	assert.EqualValues(t, 0, poke.DstCallNumber)

	tr.deliver(t, iax(serverNumber, ClientCallNumber, 0, 1, poke.Timestamp, frame.IAXPong))
	require.NoError(t, <-done)
	tr.expectIAX(t, frame.IAXAck)
}

func TestDisconnect(t *testing.T) {
	c, tr, l := newTestClient(t, nil)
	register(t, c, tr)

	require.NoError(t, c.Disconnect())
	rel, els := tr.expectIAX(t, frame.IAXRegRel)
	assert.EqualValues(t, 0, rel.DstCallNumber)
	assert.EqualValues(t, 0, rel.OSeq)
	code, _ := els.CauseCode()
	assert.Equal(t, ie.CauseNormalUnspecified, code)
	assert.Equal(t, state.ClientReleasing, c.State())

	tr.deliver(t, iax(serverNumber, ClientCallNumber, 0, 1, rel.Timestamp, frame.IAXAck))
	assert.Equal(t, state.ClientUnregistered, c.State())
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 1, l.disc)
}

func TestCloseWithoutServer(t *testing.T) {
	c, tr, _ := newTestClient(t, func(cfg *Config) { cfg.ReleaseTimeout = 50 * time.Millisecond })
	register(t, c, tr)

	require.NoError(t, c.Close())
	tr.expectIAX(t, frame.IAXRegRel)
	assert.Equal(t, state.ClientUnregistered, c.State())
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestDecodeErrorsDropped(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	c.handleDatagram([]byte{0x80})
	c.handleDatagram([]byte{0x00, 0x00, 0x00, 0x01, 0xAA})
	tr.expectSilence(t)
	assert.Equal(t, "malformed", decodeReason(errors.New("x")))
	assert.Equal(t, "short", decodeReason(frame.ErrShortBuffer))
}
