package bridge

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/iax_phone/pkg/iax/media"
)

// SessionDescription описывает поток в SDP для принимающей стороны:
// адрес соединения и порт берутся из адреса получателя.
func (b *Bridge) SessionDescription(f media.Format) (*sdp.SessionDescription, error) {
	return Describe(b.conn.LocalAddr(), b.conn.RemoteAddr(), f, b.cfg.DynamicPayloadType, b.cfg.Ptime, b.secure)
}

// Describe строит SDP потока от local к remote
func Describe(local, remote net.Addr, f media.Format, dynamic uint8, ptime time.Duration, secure bool) (*sdp.SessionDescription, error) {
	pt, name, ok := PayloadType(f, dynamic)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	originHost, _, err := net.SplitHostPort(local.String())
	if err != nil {
		return nil, fmt.Errorf("bridge: local address %s: %w", local, err)
	}
	host, portStr, err := net.SplitHostPort(remote.String())
	if err != nil {
		return nil, fmt.Errorf("bridge: remote address %s: %w", remote, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bridge: remote port %q: %w", portStr, err)
	}

	now := uint64(time.Now().Unix())
	proto := []string{"RTP", "AVP"}
	if secure {
		proto = []string{"UDP", "TLS", "RTP", "SAVP"}
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  proto,
			Formats: []string{strconv.Itoa(int(pt))},
		},
	}
	md.WithValueAttribute("rtpmap", fmt.Sprintf("%d %s/%d", pt, name, rtpClockRate))
	if ptime > 0 {
		md.WithValueAttribute("ptime", strconv.Itoa(int(ptime/time.Millisecond)))
	}
	md.WithPropertyAttribute("recvonly")

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    addrType(originHost),
			UnicastAddress: originHost,
		},
		SessionName: "iaxphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType(host),
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{md},
	}, nil
}

func addrType(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}
