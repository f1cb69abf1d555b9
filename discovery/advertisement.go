package discovery

import (
	"bytes"
	"encoding/binary"
	"math"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Marker opens every discovery datagram.
const Marker = "IpcServerDiscovery@"

// ErrBadDatagram is returned for datagrams that are not advertisements.
var ErrBadDatagram = errors.New("bad discovery datagram")

// Advertisement is the content of one broadcast datagram.
type Advertisement struct {
	Port    uint16 // Discovery port the sender broadcasts on
	User    string
	Servers []LocalServer
}

// Record is one server found on the network. Two records are the same server
// when user, address and port match.
type Record struct {
	User     string
	Address  net.IP
	Port     uint16
	ServerID string
}

// Key identifies the record for deduplication.
func (r Record) Key() string {
	return r.User + "@" + net.JoinHostPort(r.Address.String(), strconv.Itoa(int(r.Port)))
}

// Equal reports whether both records name the same server instance: same key
// and same serverId.
func (r Record) Equal(o Record) bool {
	return r.User == o.User && r.Address.Equal(o.Address) && r.Port == o.Port && r.ServerID == o.ServerID
}

// Addr returns address:port for dialing.
func (r Record) Addr() string {
	return net.JoinHostPort(r.Address.String(), strconv.Itoa(int(r.Port)))
}

// EncodeAdvertisement builds the datagram:
//
//	marker | port u16 | user (u16 len + bytes) | count u32 | count × (port u16, serverId (u16 len + bytes))
func EncodeAdvertisement(a Advertisement) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, Marker...)
	buf = binary.BigEndian.AppendUint16(buf, a.Port)

	var err error
	if buf, err = appendShortString(buf, a.User); err != nil {
		return nil, errors.WithMessage(err, "user")
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(a.Servers)))
	for _, s := range a.Servers {
		buf = binary.BigEndian.AppendUint16(buf, s.Port)
		if buf, err = appendShortString(buf, s.ID); err != nil {
			return nil, errors.WithMessage(err, "server id")
		}
	}
	return buf, nil
}

// DecodeAdvertisement parses a datagram built by EncodeAdvertisement.
func DecodeAdvertisement(b []byte) (Advertisement, error) {
	if !bytes.HasPrefix(b, []byte(Marker)) {
		return Advertisement{}, errors.Wrap(ErrBadDatagram, "marker missing")
	}
	r := datagramReader{buf: b[len(Marker):]}

	var a Advertisement
	a.Port = r.uint16()
	a.User = r.shortString()
	count := r.uint32()
	// Every entry takes at least 4 bytes.
	if r.err == nil && uint64(count)*4 > uint64(len(r.buf)) {
		return Advertisement{}, errors.Wrapf(ErrBadDatagram, "%d servers announced in %d bytes", count, len(r.buf))
	}
	for i := uint32(0); i < count && r.err == nil; i++ {
		port := r.uint16()
		id := r.shortString()
		a.Servers = append(a.Servers, LocalServer{ID: id, Port: port})
	}
	if r.err != nil {
		return Advertisement{}, r.err
	}
	if len(r.buf) != 0 {
		return Advertisement{}, errors.Wrapf(ErrBadDatagram, "%d trailing bytes", len(r.buf))
	}
	return a, nil
}

func appendShortString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, errors.Errorf("string of %d bytes is too long", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

type datagramReader struct {
	buf []byte
	err error
}

func (r *datagramReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errors.Wrap(ErrBadDatagram, "truncated")
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *datagramReader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *datagramReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *datagramReader) shortString() string {
	n := r.uint16()
	return string(r.take(int(n)))
}
