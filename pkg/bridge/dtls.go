package bridge

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/dtls/v2"
)

// pskCipherSuites набор шифров для PSK без сертификатов
var pskCipherSuites = []dtls.CipherSuiteID{
	dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
	dtls.TLS_PSK_WITH_AES_128_CCM_8,
}

// PSKConfig конфигурация DTLS с общим ключом. Используется и клиентом моста,
// и принимающей стороной.
func PSKConfig(psk []byte, identity string, mtu int) *dtls.Config {
	key := append([]byte(nil), psk...)
	return &dtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return key, nil
		},
		PSKIdentityHint: []byte(identity),
		CipherSuites:    pskCipherSuites,
		MTU:             mtu,
	}
}

// dialDTLS выполняет рукопожатие клиента поверх conn
func dialDTLS(ctx context.Context, conn net.Conn, cfg Config) (*dtls.Conn, error) {
	identity := cfg.PSKIdentity
	if identity == "" {
		identity = "iaxphone"
	}
	dc, err := dtls.ClientWithContext(ctx, conn, PSKConfig(cfg.PSK, identity, cfg.MTU))
	if err != nil {
		return nil, fmt.Errorf("bridge: dtls handshake with %s: %w", cfg.Remote, err)
	}
	return dc, nil
}
