package ie

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/iax_phone/pkg/iax/media"
)

// TestRoundTrip проверяет parse(marshal(x)) == x для каждого семейства элементов
func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ie   IE
	}{
		{"string", Username("alice")},
		{"empty string", CallingName("")},
		{"max string", String{ID: TagCause, Value: strings.Repeat("x", 255)}},
		{"bytes", Bytes{ID: TagOSPToken, Value: []byte{0, 1, 2, 0xFF}}},
		{"flag", Flag{ID: TagAutoAnswer}},
		{"uint8", Code(CauseIncompatibleDestination)},
		{"uint8 max", Uint8{ID: TagIAXUnknown, Value: 0xFF}},
		{"uint16", Refresh(60)},
		{"uint16 max", Uint16{ID: TagSamplingRate, Value: 0xFFFF}},
		{"uint32", Uint32{ID: TagRRJitter, Value: 0xDEADBEEF}},
		{"capability all bits", Formats{ID: TagCapability, Value: media.Format(0xFFFFFFFF)}},
		{"format", Format(media.ULAW)},
		{"auth methods", Methods(AuthMD5 | AuthRSA)},
		{"datetime", DateTime{Value: time.Date(2024, time.March, 17, 13, 45, 58, 0, time.UTC)}},
		{"apparent addr v4", ApparentAddr{Addr: netip.MustParseAddrPort("192.0.2.10:4569")}},
		{"apparent addr v6", ApparentAddr{Addr: netip.MustParseAddrPort("[2001:db8::1]:4569"), Flow: 7, Scope: 3}},
		{"rr loss", RRLoss{Percent: 12, Frames: 0xFFFFFF}},
		{"calling pres", CallingPres(PresProhibitedNetwork)},
		{"calling ton", CallingTON(TONNational)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := List{tt.ie}.Marshal()
			require.NoError(t, err)

			got, next, ok := Read(b, 0)
			require.True(t, ok)
			assert.Equal(t, len(b), next)
			assert.Equal(t, tt.ie, got)
		})
	}
}

func TestMarshalKeepsInsertionOrder(t *testing.T) {
	l := List{Refresh(60), Username("bob"), Version()}
	b, err := l.Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x13, 2, 0, 60,
		0x06, 3, 'b', 'o', 'b',
		0x0b, 2, 0, 2,
	}, b)

	parsed, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, l, parsed)
}

func TestReadAllLastWriteWins(t *testing.T) {
	b, err := List{Username("first"), Refresh(10), Username("second")}.Marshal()
	require.NoError(t, err)

	s, err := ReadAll(b)
	require.NoError(t, err)
	name, ok := s.Text(TagUsername)
	assert.True(t, ok)
	assert.Equal(t, "second", name)
	refresh, ok := s.Uint16(TagRefresh)
	assert.True(t, ok)
	assert.Equal(t, uint16(10), refresh)
}

func TestReadStopsCleanly(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"only tag", []byte{0x06}},
		{"unknown tag", []byte{0x1d, 1, 0}},
		{"length overrun", []byte{0x06, 5, 'a'}},
		{"uint16 wrong length", []byte{0x13, 3, 0, 0, 60}},
		{"uint8 wrong length", []byte{0x2a, 0}},
		{"format wrong length", []byte{0x09, 2, 0, 4}},
		{"flag with value", []byte{0x19, 1, 1}},
		{"addr wrong family", append([]byte{0x12, 16, 0x0A, 0x00}, make([]byte, 14)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, next, ok := Read(tt.buf, 0)
			assert.False(t, ok)
			assert.Equal(t, 0, next)

			s, err := ReadAll(tt.buf)
			require.NoError(t, err)
			assert.Empty(t, s)
		})
	}
}

func TestParseRejectsVersion(t *testing.T) {
	_, err := Parse([]byte{0x0b, 2, 0, 1})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	l, err := Parse([]byte{0x0b, 2, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, List{Version()}, l)
}

func TestMarshalErrors(t *testing.T) {
	_, err := List{String{ID: TagUsername, Value: strings.Repeat("y", 256)}}.Marshal()
	assert.ErrorIs(t, err, ErrValueTooLong)

	_, err = List{Uint16{ID: TagUsername, Value: 1}}.Marshal()
	assert.ErrorIs(t, err, ErrKindMismatch)

	_, err = List{String{ID: Tag(0x1d), Value: "x"}}.Marshal()
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestDateTimePacking(t *testing.T) {
	ts := time.Date(2023, time.December, 31, 23, 59, 58, 0, time.UTC)
	v := PackDateTime(ts)
	assert.Equal(t, uint32(23)<<25|12<<21|31<<16|23<<11|59<<5|29, v)
	assert.Equal(t, ts, UnpackDateTime(v))

	// нечетные секунды округляются вниз до 2 секунд
	odd := time.Date(2023, time.January, 1, 0, 0, 7, 0, time.UTC)
	assert.Equal(t, 6, UnpackDateTime(PackDateTime(odd)).Second())
}

func TestApparentAddrLayout(t *testing.T) {
	b, err := List{ApparentAddr{Addr: netip.MustParseAddrPort("10.0.0.1:4569")}}.Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x12, 16,
		0x02, 0x00,
		0x11, 0xD9,
		10, 0, 0, 1,
		0, 0, 0, 0, 0, 0, 0, 0,
	}, b)
}

func TestSetAccessors(t *testing.T) {
	b, err := List{
		Code(CauseNoChannelAvailable),
		Methods(AuthMD5),
		DateTime{Value: time.Date(2020, time.May, 5, 5, 5, 4, 0, time.UTC)},
		ApparentAddr{Addr: netip.MustParseAddrPort("198.51.100.7:5000")},
		Capability(media.GSM | media.ULAW),
	}.Marshal()
	require.NoError(t, err)

	s, err := ReadAll(b)
	require.NoError(t, err)

	code, ok := s.CauseCode()
	assert.True(t, ok)
	assert.Equal(t, CauseNoChannelAvailable, code)

	methods, ok := s.AuthMethods()
	assert.True(t, ok)
	assert.Equal(t, AuthMD5, methods)

	dt, ok := s.DateTime()
	assert.True(t, ok)
	assert.Equal(t, 2020, dt.Year())

	addr, ok := s.ApparentAddr()
	assert.True(t, ok)
	assert.Equal(t, uint16(5000), addr.Addr.Port())

	caps, ok := s.Formats(TagCapability)
	assert.True(t, ok)
	assert.True(t, caps.Has(media.ULAW))

	_, ok = s.Formats(TagFormat)
	assert.False(t, ok)
}

func TestMD5Response(t *testing.T) {
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", MD5Response("a", "bc"))
	assert.Len(t, MD5Response("", ""), 32)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "USERNAME", TagUsername.String())
	assert.Equal(t, "IE(0x1d)", Tag(0x1d).String())
	assert.Equal(t, "INCOMPATIBLE_DESTINATION", CauseIncompatibleDestination.String())
	assert.Equal(t, "CAUSE(200)", CauseCode(200).String())
	assert.Equal(t, "MD5|RSA", (AuthMD5 | AuthRSA).String())
	assert.True(t, PresAllowedPassedScreen.Allowed())
	assert.False(t, PresProhibitedNotScreened.Allowed())
	assert.False(t, PresNumberNotAvailable.Allowed())
}
