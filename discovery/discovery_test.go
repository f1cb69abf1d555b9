package discovery

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"
)

func TestAdvertisementRoundTrip(t *testing.T) {
	requireT := require.New(t)

	adv := Advertisement{
		Port: DefaultPort,
		User: "alice",
		Servers: []LocalServer{
			{ID: "s1", Port: 4000},
			{ID: "s2", Port: 4001},
		},
	}
	b, err := EncodeAdvertisement(adv)
	requireT.NoError(err)
	requireT.Equal(Marker, string(b[:len(Marker)]))

	decoded, err := DecodeAdvertisement(b)
	requireT.NoError(err)
	requireT.Equal(adv, decoded)
}

func TestDecodeAdvertisementRejectsGarbage(t *testing.T) {
	requireT := require.New(t)

	b, err := EncodeAdvertisement(Advertisement{Port: 1, User: "u", Servers: []LocalServer{{ID: "x", Port: 2}}})
	requireT.NoError(err)

	for i := range len(b) {
		_, err := DecodeAdvertisement(b[:i])
		requireT.ErrorIs(err, ErrBadDatagram, "prefix %d", i)
	}

	_, err = DecodeAdvertisement(append(b, 0))
	requireT.ErrorIs(err, ErrBadDatagram)

	_, err = DecodeAdvertisement([]byte("SomethingElse@\x00\x01"))
	requireT.ErrorIs(err, ErrBadDatagram)
}

func TestLocalServers(t *testing.T) {
	requireT := require.New(t)

	l := NewLocalServers()
	l.Add("b", 5000)
	l.Add("a", 4000)
	requireT.Equal([]LocalServer{{ID: "a", Port: 4000}, {ID: "b", Port: 5000}}, l.List())
	requireT.True(l.Matches("a", 1, false))
	requireT.True(l.Matches("z", 5000, true))
	requireT.False(l.Matches("z", 5000, false))
	requireT.False(l.Matches("z", 1, true))

	l.Remove("a")
	requireT.False(l.HasID("a"))
	requireT.False(l.HasPort(4000))
}

func TestRecordEqual(t *testing.T) {
	requireT := require.New(t)

	a := Record{User: "alice", Address: net.IPv4(10, 0, 0, 1), Port: 4000, ServerID: "s1"}
	b := a
	b.Address = net.ParseIP("10.0.0.1")
	requireT.True(a.Equal(b))
	requireT.Equal(a.Key(), b.Key())

	b.ServerID = "s2"
	requireT.False(a.Equal(b))
	requireT.Equal(a.Key(), b.Key())

	b = a
	b.Port = 4001
	requireT.False(a.Equal(b))
}

func startService(t *testing.T, local *LocalServers) *Service {
	s := New(qa.NewContext(t), Config{
		Interval: 20 * time.Millisecond,
		User:     "tester",
		Targets:  []string{"127.0.0.1"},
	}, local)
	require.NoError(t, s.Start(0))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func inject(t *testing.T, port uint16, adv Advertisement) {
	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	defer conn.Close()

	b, err := EncodeAdvertisement(adv)
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)
}

func expectRecord(t *testing.T, s *Service) Record {
	select {
	case rec := <-s.Found():
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no server found")
		return Record{}
	}
}

func expectNothing(t *testing.T, s *Service) {
	select {
	case rec := <-s.Found():
		t.Fatalf("unexpected record %+v", rec)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDuplicateAdvertisementsReportedOnce(t *testing.T) {
	requireT := require.New(t)

	s := startService(t, nil)
	adv := Advertisement{Port: s.Port(), User: "bob", Servers: []LocalServer{{ID: "remote", Port: 7000}}}

	inject(t, s.Port(), adv)
	inject(t, s.Port(), adv)

	rec := expectRecord(t, s)
	requireT.Equal("bob", rec.User)
	requireT.Equal(uint16(7000), rec.Port)
	requireT.Equal("remote", rec.ServerID)
	requireT.True(rec.Address.IsLoopback())

	expectNothing(t, s)
	requireT.Len(s.FoundServers(), 1)
}

func TestAdvertisementForOtherPortIgnored(t *testing.T) {
	s := startService(t, nil)

	inject(t, s.Port(), Advertisement{Port: s.Port() + 1, User: "bob", Servers: []LocalServer{{ID: "x", Port: 7000}}})
	expectNothing(t, s)
}

func TestOwnServersNotReported(t *testing.T) {
	requireT := require.New(t)

	local := NewLocalServers()
	local.Add("mine", 4000)
	s := startService(t, local)

	// Own broadcasts loop back through 127.0.0.1.
	expectNothing(t, s)

	// A different id on a local port, sent from this host, is also ours.
	inject(t, s.Port(), Advertisement{Port: s.Port(), User: "tester", Servers: []LocalServer{{ID: "other", Port: 4000}}})
	expectNothing(t, s)
	requireT.Empty(s.FoundServers())
}

func TestReleaseReportsAgain(t *testing.T) {
	requireT := require.New(t)

	s := startService(t, nil)
	adv := Advertisement{Port: s.Port(), User: "bob", Servers: []LocalServer{{ID: "remote", Port: 7000}}}

	inject(t, s.Port(), adv)
	rec := expectRecord(t, s)

	s.ReleaseFoundServer(rec)
	requireT.Empty(s.FoundServers())

	inject(t, s.Port(), adv)
	requireT.Equal(rec.ServerID, expectRecord(t, s).ServerID)

	s.ReleaseAllFoundServers()
	requireT.Empty(s.FoundServers())
}

func TestRestartedServerReplacesRecord(t *testing.T) {
	requireT := require.New(t)

	s := startService(t, nil)
	inject(t, s.Port(), Advertisement{Port: s.Port(), User: "bob", Servers: []LocalServer{{ID: "first", Port: 7000}}})
	requireT.Equal("first", expectRecord(t, s).ServerID)

	inject(t, s.Port(), Advertisement{Port: s.Port(), User: "bob", Servers: []LocalServer{{ID: "second", Port: 7000}}})
	requireT.Equal("second", expectRecord(t, s).ServerID)

	found := s.FoundServers()
	requireT.Len(found, 1)
	requireT.Equal("second", found[0].ServerID)
}

func TestStartStop(t *testing.T) {
	requireT := require.New(t)

	s := New(qa.NewContext(t), Config{Targets: []string{"127.0.0.1"}}, nil)
	requireT.ErrorIs(s.Stop(), ErrNotStarted)

	requireT.NoError(s.Start(0))
	requireT.ErrorIs(s.Start(0), ErrAlreadyStarted)
	requireT.NotZero(s.Port())

	requireT.NoError(s.Stop())
	requireT.ErrorIs(s.Stop(), ErrNotStarted)
	requireT.Zero(s.Port())
}
