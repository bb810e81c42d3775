package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
	"github.com/arzzra/iax_phone/pkg/iax/ie"
	"github.com/arzzra/iax_phone/pkg/iax/media"
	"github.com/arzzra/iax_phone/pkg/iax/state"
)

const peerNumber = 7

func newFrame(src, dst uint16, oseq, iseq uint8, body frame.Body) *frame.FullFrame {
	return &frame.FullFrame{
		SrcCallNumber: src,
		DstCallNumber: dst,
		Timestamp:     100,
		OSeq:          oseq,
		ISeq:          iseq,
		Body:          body,
	}
}

// dial исходящий вызов до состояния Linked
func dial(t *testing.T, c *Client, tr *fakeTransport, rc *recordingCall) *Call {
	t.Helper()
	call, err := c.Dial(context.Background(), "100", rc, rc)
	require.NoError(t, err)

	nw, els := tr.expectIAX(t, frame.IAXNew)
	assert.EqualValues(t, 1001, nw.SrcCallNumber)
	assert.EqualValues(t, 0, nw.DstCallNumber)
	assert.EqualValues(t, 0, nw.OSeq)
	called, _ := els.Text(ie.TagCalledNumber)
	assert.Equal(t, "100", called)
	version, _ := els.Uint16(ie.TagVersion)
	assert.EqualValues(t, ie.ProtocolVersion, version)
	format, _ := els.Formats(ie.TagFormat)
	assert.Equal(t, media.ULAW, format)
	capability, _ := els.Formats(ie.TagCapability)
	assert.Equal(t, media.ULAW|media.ALAW, capability)

	tr.deliver(t, iax(peerNumber, 1001, 0, 1, 10, frame.IAXAccept, ie.Format(media.ULAW)))
	ack, _ := tr.expectIAX(t, frame.IAXAck)
	assert.EqualValues(t, peerNumber, ack.DstCallNumber)
	assert.EqualValues(t, 1, ack.OSeq)
	assert.EqualValues(t, 1, ack.ISeq)
	assert.Equal(t, state.CallLinked, call.State())
	assert.Equal(t, media.ULAW, call.Format())
	return call
}

func TestOutboundCall(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)
	rc := newRecordingCall()

	call := dial(t, c, tr, rc)
	assert.EqualValues(t, peerNumber, call.PeerNumber())

	tr.deliver(t, control(peerNumber, 1001, 1, 1, frame.ControlRinging))
	tr.expectIAX(t, frame.IAXAck)
	tr.deliver(t, control(peerNumber, 1001, 2, 1, frame.ControlAnswer))
	tr.expectIAX(t, frame.IAXAck)
	assert.Equal(t, state.CallUp, call.State())

	// первый кадр полный, следующий мини
	require.NoError(t, call.SendAudio([]byte{1, 2, 3}))
	voice := tr.nextFull(t)
	body, ok := voice.Body.(*frame.Voice)
	require.True(t, ok)
	assert.Equal(t, media.ULAW, body.Format)
	assert.EqualValues(t, 1, voice.OSeq)
	assert.EqualValues(t, 3, voice.ISeq)

	require.NoError(t, call.SendAudio([]byte{4, 5, 6}))
	mini, ok := tr.next(t).(*frame.MiniFrame)
	require.True(t, ok)
	assert.EqualValues(t, 1001, mini.SrcCallNumber)
	assert.Equal(t, []byte{4, 5, 6}, mini.Data)

	tr.deliver(t, &frame.MiniFrame{SrcCallNumber: peerNumber, Timestamp: 40, Data: []byte{9, 9}})
	select {
	case data := <-rc.audio:
		assert.Equal(t, []byte{9, 9}, data)
	case <-time.After(time.Second):
		t.Fatal("audio not delivered")
	}

	require.NoError(t, call.Hangup())
	hangup, els := tr.expectIAX(t, frame.IAXHangup)
	assert.EqualValues(t, 2, hangup.OSeq)
	code, _ := els.CauseCode()
	assert.Equal(t, ie.CauseNormalClearing, code)
	assert.Equal(t, state.CallInitial, call.State())
	assert.ErrorIs(t, call.Hangup(), ErrCallClosed)
	assert.ErrorIs(t, call.SendAudio([]byte{1}), ErrCallClosed)

	// номер занят до подтверждения HANGUP
	assert.Equal(t, 1, c.ActiveCalls())
	tr.deliver(t, iax(peerNumber, 1001, 3, 3, hangup.Timestamp, frame.IAXAck))
	assert.Equal(t, 0, c.ActiveCalls())

	assert.Equal(t, []string{"ringing", "answered", "hangup"}, rc.Events())
	rc.mu.Lock()
	assert.Equal(t, []bool{true, false}, rc.audioOn)
	assert.Equal(t, media.ULAW, rc.lastFmt)
	rc.mu.Unlock()
}

func TestDialRequiresRegistration(t *testing.T) {
	c, _, _ := newTestClient(t, nil)
	_, err := c.Dial(context.Background(), "100", nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestOutboundCallAuth(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)
	rc := newRecordingCall()

	call, err := c.Dial(context.Background(), "100", rc, nil)
	require.NoError(t, err)
	tr.expectIAX(t, frame.IAXNew)

	tr.deliver(t, iax(peerNumber, 1001, 0, 1, 10, frame.IAXAuthReq,
		ie.Methods(ie.AuthMD5), ie.Challenge("42"), ie.Username("alice")))
	rep, els := tr.expectIAX(t, frame.IAXAuthRep)
	assert.EqualValues(t, peerNumber, rep.DstCallNumber)
	assert.EqualValues(t, 1, rep.OSeq)
	md5, _ := els.Text(ie.TagMD5Result)
	assert.Equal(t, ie.MD5Response("42", "secret"), md5)

	tr.deliver(t, iax(peerNumber, 1001, 1, 2, 20, frame.IAXAccept, ie.Format(media.ALAW)))
	tr.expectIAX(t, frame.IAXAck)
	assert.Equal(t, state.CallLinked, call.State())
	assert.Equal(t, media.ALAW, call.Format())
}

func TestOutboundCallRejected(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)
	rc := newRecordingCall()

	call, err := c.Dial(context.Background(), "100", rc, nil)
	require.NoError(t, err)
	tr.expectIAX(t, frame.IAXNew)

	tr.deliver(t, iax(peerNumber, 1001, 0, 1, 10, frame.IAXReject,
		ie.Cause("no route"), ie.Code(ie.CauseNoRouteToDestination)))
	tr.expectIAX(t, frame.IAXAck)
	tr.expectSilence(t)

	<-call.Done()
	assert.Equal(t, state.CallInitial, call.State())
	assert.Equal(t, 0, c.ActiveCalls())
	rc.mu.Lock()
	assert.Equal(t, ie.CauseNoRouteToDestination, rc.cause)
	rc.mu.Unlock()
}

func TestOutboundCallBusy(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)
	rc := newRecordingCall()
	call := dial(t, c, tr, rc)

	tr.deliver(t, control(peerNumber, 1001, 1, 1, frame.ControlBusy))
	tr.expectIAX(t, frame.IAXAck)
	hangup, els := tr.expectIAX(t, frame.IAXHangup)
	code, _ := els.CauseCode()
	assert.Equal(t, ie.CauseUserBusy, code)

	assert.Equal(t, state.CallInitial, call.State())
	assert.Equal(t, []string{"busy", "hangup"}, rc.Events())
	rc.mu.Lock()
	assert.Equal(t, ie.CauseUserBusy, rc.cause)
	rc.mu.Unlock()

	tr.deliver(t, iax(peerNumber, 1001, 2, hangup.OSeq+1, 200, frame.IAXAck))
	assert.Equal(t, 0, c.ActiveCalls())
}

// refuseAnswered отвечает на вызов, затем присылает sub в состоянии Up
func refuseAnswered(t *testing.T, sub frame.ControlSubclass, cause ie.CauseCode, event string) {
	t.Helper()
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)
	rc := newRecordingCall()
	call := dial(t, c, tr, rc)

	tr.deliver(t, control(peerNumber, 1001, 1, 1, frame.ControlAnswer))
	tr.expectIAX(t, frame.IAXAck)
	require.Equal(t, state.CallUp, call.State())

	tr.deliver(t, control(peerNumber, 1001, 2, 1, sub))
	ack, _ := tr.expectIAX(t, frame.IAXAck)
	assert.EqualValues(t, 3, ack.ISeq)
	hangup, els := tr.expectIAX(t, frame.IAXHangup)
	code, _ := els.CauseCode()
	assert.Equal(t, cause, code)

	assert.Equal(t, state.CallInitial, call.State())
	assert.Equal(t, []string{"answered", event, "hangup"}, rc.Events())
	rc.mu.Lock()
	assert.Equal(t, cause, rc.cause)
	assert.Equal(t, []bool{true, false}, rc.audioOn)
	rc.mu.Unlock()

	tr.deliver(t, iax(peerNumber, 1001, 3, hangup.OSeq+1, 200, frame.IAXAck))
	assert.Equal(t, 0, c.ActiveCalls())
}

func TestCallUpBusy(t *testing.T) {
	refuseAnswered(t, frame.ControlBusy, ie.CauseUserBusy, "busy")
}

func TestCallUpCongestion(t *testing.T) {
	refuseAnswered(t, frame.ControlCongestion, ie.CauseSwitchCongestion, "congestion")
}

func TestCallVNAKResends(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)

	_, err := c.Dial(context.Background(), "100", nil, nil)
	require.NoError(t, err)
	orig, _ := tr.expectIAX(t, frame.IAXNew)

	tr.deliver(t, iax(peerNumber, 1001, 0, 0, 10, frame.IAXVNAK))
	again, _ := tr.expectIAX(t, frame.IAXNew)
	assert.True(t, again.Retransmitted)
	assert.Equal(t, orig.OSeq, again.OSeq)
	assert.Equal(t, orig.Timestamp, again.Timestamp)
}

func TestCallMessagesAndLag(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)
	rc := newRecordingCall()
	call := dial(t, c, tr, rc)

	tr.deliver(t, newFrame(peerNumber, 1001, 1, 1, &frame.DTMF{Digit: '5'}))
	tr.expectIAX(t, frame.IAXAck)
	rc.mu.Lock()
	assert.Equal(t, []byte{'5'}, rc.dtmf)
	rc.mu.Unlock()

	require.NoError(t, call.SendDTMF('#'))
	dtmf := tr.nextFull(t)
	assert.Equal(t, &frame.DTMF{Digit: '#'}, dtmf.Body)
	assert.ErrorIs(t, call.Send(&frame.Null{}), ErrNotTransmittable)

	lag := make(chan time.Duration, 1)
	go func() {
		d, err := call.Lag(context.Background())
		assert.NoError(t, err)
		lag <- d
	}()
	rq, _ := tr.expectIAX(t, frame.IAXLagRq)
	tr.deliver(t, iax(peerNumber, 1001, 2, rq.OSeq+1, rq.Timestamp, frame.IAXLagRp))
	select {
	case <-lag:
	case <-time.After(time.Second):
		t.Fatal("lag not measured")
	}
}

func TestCallPing(t *testing.T) {
	c, tr, _ := newTestClient(t, func(cfg *Config) { cfg.PingInterval = time.Millisecond })
	register(t, c, tr)
	call := dial(t, c, tr, newRecordingCall())

	time.Sleep(5 * time.Millisecond)
	call.tick(time.Now())
	ping, _ := tr.expectIAX(t, frame.IAXPing)
	assert.EqualValues(t, peerNumber, ping.DstCallNumber)

	tr.deliver(t, iax(peerNumber, 1001, 1, ping.OSeq+1, ping.Timestamp, frame.IAXPong))
	tr.expectIAX(t, frame.IAXAck)
}

func TestCallRetransmitFailureEndsCall(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)
	register(t, c, tr)
	rc := newRecordingCall()

	call, err := c.Dial(context.Background(), "100", rc, nil)
	require.NoError(t, err)
	tr.expectIAX(t, frame.IAXNew)

	c.tick(time.Now().Add(30 * time.Second))
	<-call.Done()
	assert.Equal(t, 0, c.ActiveCalls())
	rc.mu.Lock()
	assert.Equal(t, ie.CauseRecoveryOnTimerExpiration, rc.cause)
	rc.mu.Unlock()
}

// ring доставляет NEW и возвращает ожидающий вызов после ACCEPT и RINGING
func ring(t *testing.T, tr *fakeTransport, l *recordingListener, peer uint16) *PendingCall {
	t.Helper()
	tr.deliver(t, iax(peer, 0, 0, 0, 3, frame.IAXNew,
		ie.Version(),
		ie.CallingNumber("200"),
		ie.CallingName("Bob"),
		ie.CalledNumber("100"),
		ie.Capability(media.ULAW|media.GSM),
		ie.Format(media.ULAW),
	))
	accept, els := tr.expectIAX(t, frame.IAXAccept)
	assert.EqualValues(t, peer, accept.DstCallNumber)
	assert.EqualValues(t, 0, accept.OSeq)
	assert.EqualValues(t, 1, accept.ISeq)
	format, _ := els.Formats(ie.TagFormat)
	assert.Equal(t, media.ULAW, format)
	ringing := tr.expectControl(t, frame.ControlRinging)
	assert.EqualValues(t, 1, ringing.OSeq)

	select {
	case p := <-l.incoming:
		return p
	case <-time.After(time.Second):
		t.Fatal("incoming call not reported")
		return nil
	}
}

func TestInboundCallAccepted(t *testing.T) {
	c, tr, l := newTestClient(t, nil)
	p := ring(t, tr, l, 9)

	assert.EqualValues(t, 1001, p.LocalNumber())
	info := p.Info()
	assert.Equal(t, "200", info.CallingNumber)
	assert.Equal(t, "Bob", info.CallingName)
	assert.Equal(t, "Bob", info.Username)
	assert.Equal(t, "100", info.CalledNumber)
	assert.Equal(t, state.PendingRinging, p.State())

	tr.deliver(t, iax(9, 1001, 1, 2, 50, frame.IAXAck))

	rc := newRecordingCall()
	call, err := p.Accept(rc, rc)
	require.NoError(t, err)
	assert.Equal(t, p.ID(), call.ID())
	assert.Equal(t, state.CallUp, call.State())
	assert.False(t, call.Outbound())
	assert.Equal(t, "100", call.CalledNumber())
	answer := tr.expectControl(t, frame.ControlAnswer)
	assert.EqualValues(t, 2, answer.OSeq)
	<-p.Done()

	tr.deliver(t, &frame.MiniFrame{SrcCallNumber: 9, Timestamp: 20, Data: []byte{7}})
	select {
	case data := <-rc.audio:
		assert.Equal(t, []byte{7}, data)
	case <-time.After(time.Second):
		t.Fatal("audio not delivered")
	}

	tr.deliver(t, iax(9, 1001, 1, 3, 300, frame.IAXHangup,
		ie.Cause("bye"), ie.Code(ie.CauseNormalClearing)))
	ack, _ := tr.expectIAX(t, frame.IAXAck)
	assert.EqualValues(t, 300, ack.Timestamp)
	assert.EqualValues(t, 2, ack.ISeq)

	<-rc.hangup
	assert.Equal(t, 0, c.ActiveCalls())
	rc.mu.Lock()
	assert.Equal(t, ie.CauseNormalClearing, rc.cause)
	assert.Equal(t, []bool{false}, rc.audioOn[1:])
	rc.mu.Unlock()
}

func TestInboundCallDeclined(t *testing.T) {
	c, tr, l := newTestClient(t, nil)
	p := ring(t, tr, l, 9)

	require.NoError(t, p.Decline())
	hangup, els := tr.expectIAX(t, frame.IAXHangup)
	code, _ := els.CauseCode()
	assert.Equal(t, ie.CauseCallRejected, code)
	assert.Equal(t, state.PendingHangupSent, p.State())

	_, err := p.Accept(nil, nil)
	assert.ErrorIs(t, err, ErrCallClosed)

	tr.deliver(t, iax(9, 1001, 1, hangup.OSeq+1, 60, frame.IAXAck))
	<-p.Done()
	assert.Equal(t, 0, c.ActiveCalls())
}

func TestInboundDecisionTimeout(t *testing.T) {
	c, tr, l := newTestClient(t, func(cfg *Config) { cfg.DecisionTimeout = 30 * time.Millisecond })
	p := ring(t, tr, l, 9)

	hangup, els := tr.expectIAX(t, frame.IAXHangup)
	code, _ := els.CauseCode()
	assert.Equal(t, ie.CauseNoUserResponse, code)

	_, err := p.Accept(nil, nil)
	assert.ErrorIs(t, err, ErrDecisionTimeout)
	assert.ErrorIs(t, p.Err(), ErrDecisionTimeout)

	assert.Equal(t, 1, c.ActiveCalls())
	tr.deliver(t, iax(9, 1001, 1, hangup.OSeq+1, 60, frame.IAXAck))
	assert.Equal(t, 0, c.ActiveCalls())
}

func TestInboundCallerCancels(t *testing.T) {
	c, tr, l := newTestClient(t, nil)
	p := ring(t, tr, l, 9)

	tr.deliver(t, iax(9, 1001, 1, 2, 60, frame.IAXHangup, ie.Code(ie.CauseNormalClearing)))
	tr.expectIAX(t, frame.IAXAck)
	<-p.Done()
	assert.Equal(t, state.PendingCancelled, p.State())
	assert.Equal(t, 0, c.ActiveCalls())

	_, err := p.Accept(nil, nil)
	assert.ErrorIs(t, err, ErrCallClosed)
}

func TestInboundDuplicateNew(t *testing.T) {
	c, tr, l := newTestClient(t, nil)
	ring(t, tr, l, 9)

	// повтор NEW уже обработан: только подтверждение
	tr.deliver(t, iax(9, 0, 0, 0, 3, frame.IAXNew, ie.Capability(media.ULAW)))
	ack, _ := tr.expectIAX(t, frame.IAXAck)
	assert.EqualValues(t, 1001, ack.SrcCallNumber)
	assert.Equal(t, 1, c.ActiveCalls())
}

func TestInboundIncompatibleCodec(t *testing.T) {
	c, tr, l := newTestClient(t, nil)

	tr.deliver(t, iax(9, 0, 0, 0, 3, frame.IAXNew, ie.Capability(media.G729), ie.Format(media.G729)))
	rej, els := tr.expectIAX(t, frame.IAXReject)
	assert.EqualValues(t, 1001, rej.SrcCallNumber)
	assert.EqualValues(t, 9, rej.DstCallNumber)
	assert.EqualValues(t, 1, rej.ISeq)
	assert.EqualValues(t, 0, rej.OSeq)
	code, _ := els.CauseCode()
	assert.Equal(t, ie.CauseIncompatibleDestination, code)
	assert.Empty(t, l.incoming)

	// номер занят до подтверждения REJECT
	assert.Equal(t, 1, c.ActiveCalls())
	tr.deliver(t, iax(9, 1001, 1, 1, rej.Timestamp, frame.IAXAck))
	assert.Equal(t, 0, c.ActiveCalls())
	_, ok := c.reg.byPeer(9)
	assert.False(t, ok)
}

func TestInboundRejectRetransmitted(t *testing.T) {
	c, tr, _ := newTestClient(t, nil)

	tr.deliver(t, iax(9, 0, 0, 0, 3, frame.IAXNew, ie.Capability(media.G729)))
	orig, _ := tr.expectIAX(t, frame.IAXReject)

	now := time.Now()
	c.tick(now.Add(2500 * time.Millisecond))
	again, _ := tr.expectIAX(t, frame.IAXReject)
	assert.True(t, again.Retransmitted)
	assert.Equal(t, orig.WithRetransmit(), again)
	assert.Equal(t, 1, c.ActiveCalls())

	c.tick(now.Add(20 * time.Second))
	assert.Equal(t, 0, c.ActiveCalls())
}

func TestInboundCodecFilteredByListener(t *testing.T) {
	c, tr, l := newTestClient(t, nil)
	l.supported = media.ALAW

	tr.deliver(t, iax(9, 0, 0, 0, 3, frame.IAXNew, ie.Capability(media.ULAW|media.GSM)))
	rej, els := tr.expectIAX(t, frame.IAXReject)
	code, _ := els.CauseCode()
	assert.Equal(t, ie.CauseIncompatibleDestination, code)
	tr.deliver(t, iax(9, 1001, 1, rej.OSeq+1, rej.Timestamp, frame.IAXAck))
	assert.Equal(t, 0, c.ActiveCalls())
}

func TestInboundCapacity(t *testing.T) {
	c, tr, l := newTestClient(t, func(cfg *Config) { cfg.MaxCalls = 1 })
	ring(t, tr, l, 9)

	tr.deliver(t, iax(11, 0, 0, 0, 3, frame.IAXNew, ie.Capability(media.ULAW)))
	rej, els := tr.expectIAX(t, frame.IAXReject)
	assert.EqualValues(t, ClientCallNumber, rej.SrcCallNumber)
	assert.EqualValues(t, 11, rej.DstCallNumber)
	code, _ := els.CauseCode()
	assert.Equal(t, ie.CauseNoChannelAvailable, code)
	assert.Equal(t, 1, c.ActiveCalls())
}

type stubSession struct{ number uint16 }

func (s *stubSession) LocalNumber() uint16         { return s.number }
func (s *stubSession) handleFull(*frame.FullFrame) {}
func (s *stubSession) handleMini(*frame.MiniFrame) {}
func (s *stubSession) tick(time.Time)              {}
func (s *stubSession) shutdown()                   {}
func (s *stubSession) finish()                     {}

func TestRegistryConcurrentAllocation(t *testing.T) {
	r := newRegistry(64)

	var (
		mu   sync.Mutex
		seen = make(map[uint16]session)
		wg   sync.WaitGroup
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.allocate(func(n uint16) session { return &stubSession{number: n} })
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[s.LocalNumber()] = s
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 64)
	for n := uint16(1001); n <= 1064; n++ {
		assert.Contains(t, seen, n)
	}
	_, err := r.allocate(func(n uint16) session { return &stubSession{number: n} })
	assert.ErrorIs(t, err, ErrCapacity)

	// освобожденный номер выдается снова, как самый младший свободный
	r.release(seen[1010], 0)
	s, err := r.allocate(func(n uint16) session { return &stubSession{number: n} })
	require.NoError(t, err)
	assert.EqualValues(t, 1010, s.LocalNumber())
	assert.Equal(t, 64, r.count())
}

func TestRegistryPeerBinding(t *testing.T) {
	r := newRegistry(4)
	s, err := r.allocate(func(n uint16) session { return &stubSession{number: n} })
	require.NoError(t, err)
	r.bindPeer(9, s)

	got, ok := r.byPeer(9)
	require.True(t, ok)
	assert.Same(t, s, got)

	promoted := &stubSession{number: s.LocalNumber()}
	r.replace(s, promoted, 9)
	got, _ = r.byPeer(9)
	assert.Same(t, promoted, got)

	// освобождение устаревшей сессии не трогает новую
	r.release(s, 9)
	assert.Equal(t, 1, r.count())
	r.release(promoted, 9)
	assert.Equal(t, 0, r.count())
	_, ok = r.byPeer(9)
	assert.False(t, ok)
}
