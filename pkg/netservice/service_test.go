package netservice

import (
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/netservice/pkg/responder"
	"github.com/backkem/netservice/pkg/runloop"
	"github.com/backkem/netservice/pkg/stream"
)

const eventTimeout = 2 * time.Second

type event struct {
	name string
	err  *Error
	data []byte
	at   time.Time

	// identity as seen from inside the callback
	svcName string
	port    int

	in  *stream.InputStream
	out *stream.OutputStream
}

// recorder is a Delegate that forwards every callback to a channel.
type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 64)}
}

func (r *recorder) push(s *Service, ev event) {
	ev.at = time.Now()
	ev.svcName = s.Name()
	ev.port = s.Port()
	r.events <- ev
}

func (r *recorder) WillPublish(s *Service) { r.push(s, event{name: "WillPublish"}) }
func (r *recorder) DidPublish(s *Service)  { r.push(s, event{name: "DidPublish"}) }
func (r *recorder) DidNotPublish(s *Service, err *Error) {
	r.push(s, event{name: "DidNotPublish", err: err})
}
func (r *recorder) WillResolve(s *Service)       { r.push(s, event{name: "WillResolve"}) }
func (r *recorder) DidResolveAddress(s *Service) { r.push(s, event{name: "DidResolveAddress"}) }
func (r *recorder) DidNotResolve(s *Service, err *Error) {
	r.push(s, event{name: "DidNotResolve", err: err})
}
func (r *recorder) DidStop(s *Service) { r.push(s, event{name: "DidStop"}) }
func (r *recorder) DidUpdateTXTRecord(s *Service, data []byte) {
	r.push(s, event{name: "DidUpdateTXTRecord", data: data})
}
func (r *recorder) DidAcceptConnection(s *Service, in *stream.InputStream, out *stream.OutputStream) {
	r.push(s, event{name: "DidAcceptConnection", in: in, out: out})
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for delegate event")
		return event{}
	}
}

func (r *recorder) expect(t *testing.T, name string) event {
	t.Helper()
	ev := r.next(t)
	require.Equal(t, name, ev.name, "unexpected delegate event")
	return ev
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected delegate event %s", ev.name)
	case <-time.After(d):
	}
}

func newTestService(t *testing.T, config Config, port int) (*Service, *responder.Mock, *recorder) {
	t.Helper()
	mock := responder.NewMock()
	config.Responder = mock
	svc := NewService(config, "local.", "_http._tcp", "printer", port)
	rec := newRecorder()
	svc.SetDelegate(rec)
	return svc, mock, rec
}

func lastRequest(t *testing.T, mock *responder.Mock, kind responder.Kind) responder.MockRequest {
	t.Helper()
	req, ok := mock.Last(kind)
	require.True(t, ok, "no %s request submitted", kind)
	return req
}

func TestNewServiceIdentity(t *testing.T) {
	tests := []struct {
		domain, typ, name string
		port              int
	}{
		{"local.", "_http._tcp", "printer", 8080},
		{"", "_ssh._tcp", "host", UnassignedPort},
		{"example.com.", "_ipp._tcp.", "Büro Drucker", 631},
		{"local.", "_echo._udp", "", 1},
	}

	for _, tt := range tests {
		svc := NewService(Config{Responder: responder.NewMock()}, tt.domain, tt.typ, tt.name, tt.port)
		assert.Equal(t, tt.domain, svc.Domain())
		assert.Equal(t, tt.typ, svc.Type())
		assert.Equal(t, tt.name, svc.Name())
		assert.Equal(t, tt.port, svc.Port())
		assert.Equal(t, StateIdle, svc.State())
		assert.False(t, svc.IsMonitoring())
		assert.Nil(t, svc.Delegate())
		require.NoError(t, svc.Close())
	}
}

func TestPublish(t *testing.T) {
	defer test.CheckRoutines(t)()

	svc, mock, rec := newTestService(t, Config{}, 8080)
	defer svc.Close()

	require.NoError(t, svc.Publish(0))
	rec.expect(t, "WillPublish")
	assert.Equal(t, StatePublishing, svc.State())

	req := lastRequest(t, mock, responder.KindRegister)
	assert.Equal(t, "printer", req.Register.Name)
	assert.Equal(t, "_http._tcp", req.Register.Type)
	assert.Equal(t, 8080, req.Register.Port)
	assert.False(t, req.Register.NoAutoRename)

	mock.Reply(req.Handle, responder.Reply{Name: "printer (2)", Type: "_http._tcp.", Domain: "local."})

	ev := rec.expect(t, "DidPublish")
	assert.Equal(t, "printer (2)", ev.svcName, "rename not applied before DidPublish")
	assert.Equal(t, "_http._tcp.", svc.Type())
	assert.Equal(t, StatePublishing, svc.State())
	assert.Equal(t, 1, mock.Live(), "registration must stay open while published")

	// Further replies on a published registration do not repeat DidPublish.
	mock.Reply(req.Handle, responder.Reply{Name: "printer (2)"})
	rec.none(t, 100*time.Millisecond)

	svc.Stop()
	rec.expect(t, "DidStop")
	assert.Equal(t, 0, mock.Live())
	assert.Equal(t, StateIdle, svc.State())
}

func TestPublishNoAutoRename(t *testing.T) {
	svc, mock, rec := newTestService(t, Config{}, 8080)
	defer svc.Close()

	require.NoError(t, svc.Publish(NoAutoRename))
	rec.expect(t, "WillPublish")
	assert.True(t, lastRequest(t, mock, responder.KindRegister).Register.NoAutoRename)
}

func TestPublishStopBeforeReply(t *testing.T) {
	defer test.CheckRoutines(t)()

	svc, mock, rec := newTestService(t, Config{}, 8080)
	defer svc.Close()

	require.NoError(t, svc.Publish(0))
	rec.expect(t, "WillPublish")
	req := lastRequest(t, mock, responder.KindRegister)

	svc.Stop()
	ev := rec.expect(t, "DidNotPublish")
	assert.ErrorIs(t, ev.err, ErrCancelled)
	rec.expect(t, "DidStop")

	assert.True(t, req.Handle.Released())
	assert.Equal(t, 0, mock.Live())
	assert.Equal(t, StateIdle, svc.State())

	svc.Stop()
	mock.Reply(req.Handle, responder.Reply{Name: "late"})
	rec.none(t, 100*time.Millisecond)
	assert.Equal(t, "printer", svc.Name())
}

func TestPublishFailure(t *testing.T) {
	svc, mock, rec := newTestService(t, Config{}, 8080)
	defer svc.Close()

	require.NoError(t, svc.Publish(NoAutoRename))
	rec.expect(t, "WillPublish")

	req := lastRequest(t, mock, responder.KindRegister)
	mock.Fail(req.Handle, responder.ErrNameConflict)

	ev := rec.expect(t, "DidNotPublish")
	assert.ErrorIs(t, ev.err, ErrCollision)
	assert.Equal(t, 0, mock.Live())
	assert.Equal(t, StateIdle, svc.State())

	svc.Stop()
	rec.none(t, 100*time.Millisecond)
}

func TestPublishLostAfterSuccess(t *testing.T) {
	svc, mock, rec := newTestService(t, Config{}, 8080)
	defer svc.Close()

	require.NoError(t, svc.Publish(0))
	rec.expect(t, "WillPublish")
	req := lastRequest(t, mock, responder.KindRegister)

	mock.Reply(req.Handle, responder.Reply{Name: "printer"})
	rec.expect(t, "DidPublish")

	mock.Fail(req.Handle, responder.ErrServiceNotRun)
	rec.expect(t, "DidStop")
	assert.Equal(t, StateIdle, svc.State())
	assert.Equal(t, 0, mock.Live())
}

func TestPublishTwice(t *testing.T) {
	svc, mock, rec := newTestService(t, Config{}, 8080)
	defer svc.Close()

	require.NoError(t, svc.Publish(0))
	require.NoError(t, svc.Publish(0))

	rec.expect(t, "WillPublish")
	ev := rec.expect(t, "DidNotPublish")
	assert.ErrorIs(t, ev.err, ErrCancelled)
	rec.expect(t, "WillPublish")

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	assert.True(t, reqs[0].Handle.Released(), "first handle leaked")
	assert.Equal(t, 1, mock.Live())

	mock.Reply(reqs[0].Handle, responder.Reply{Name: "stale"})
	mock.Reply(reqs[1].Handle, responder.Reply{Name: "fresh"})

	ev = rec.expect(t, "DidPublish")
	assert.Equal(t, "fresh", ev.svcName)
	rec.none(t, 100*time.Millisecond)
}

func TestPublishSubmissionFailure(t *testing.T) {
	svc, mock, rec := newTestService(t, Config{}, 8080)
	defer svc.Close()

	mock.FailSubmissions(responder.ErrBadParam)

	err := svc.Publish(0)
	assert.ErrorIs(t, err, ErrBadArgument)

	rec.expect(t, "WillPublish")
	ev := rec.expect(t, "DidNotPublish")
	assert.ErrorIs(t, ev.err, ErrBadArgument)
	assert.Equal(t, StateIdle, svc.State())
}

func TestPublishUnassignedPortWithoutListener(t *testing.T) {
	svc, mock, rec := newTestService(t, Config{}, UnassignedPort)
	defer svc.Close()

	err := svc.Publish(0)
	assert.ErrorIs(t, err, ErrBadArgument)

	rec.expect(t, "WillPublish")
	rec.expect(t, "DidNotPublish")
	assert.Empty(t, mock.Requests())
	assert.Equal(t, UnassignedPort, svc.Port())
}

func TestPublishPollPump(t *testing.T) {
	defer test.CheckRoutines(t)()

	svc, mock, rec := newTestService(t, Config{PumpMode: PumpPoll, PollInterval: 10 * time.Millisecond}, 8080)
	defer svc.Close()

	require.NoError(t, svc.Publish(0))
	rec.expect(t, "WillPublish")

	req := lastRequest(t, mock, responder.KindRegister)
	mock.Reply(req.Handle, responder.Reply{Name: "printer"})
	rec.expect(t, "DidPublish")

	svc.Stop()
	rec.expect(t, "DidStop")
}

func TestPublishWithoutDelegate(t *testing.T) {
	loop := runloop.New(runloop.Config{})
	require.NoError(t, loop.Start())
	defer loop.Stop()

	mock := responder.NewMock()
	svc := NewService(Config{Responder: mock, Loop: loop}, "local.", "_http._tcp", "printer", 8080)
	defer svc.Close()

	require.NoError(t, svc.Publish(0))
	mock.Fail(lastRequest(t, mock, responder.KindRegister).Handle, responder.ErrNameConflict)

	assert.Eventually(t, func() bool { return svc.State() == StateIdle }, eventTimeout, 5*time.Millisecond)
	require.NoError(t, loop.Do(func() {}))
	assert.Equal(t, 0, mock.Live())
}

func TestSetTXTRecordData(t *testing.T) {
	svc, mock, rec := newTestService(t, Config{}, 8080)
	defer svc.Close()

	require.NoError(t, svc.SetTXTRecordData([]byte("path=/\nv=1")))
	assert.Equal(t, "path=/\nv=1", string(svc.TXTRecordData()))

	require.NoError(t, svc.Publish(0))
	rec.expect(t, "WillPublish")

	req := lastRequest(t, mock, responder.KindRegister)
	assert.Equal(t, []string{"path=/", "v=1"}, req.Register.Text)
	assert.Empty(t, mock.TextUpdates(req.Handle))

	mock.Reply(req.Handle, responder.Reply{Name: "printer"})
	rec.expect(t, "DidPublish")

	require.NoError(t, svc.SetTXTRecordData([]byte("v=2\nflag")))
	assert.Equal(t, [][]string{{"flag=", "v=2"}}, mock.TextUpdates(req.Handle))
}

func TestResolve(t *testing.T) {
	defer test.CheckRoutines(t)()

	svc, mock, rec := newTestService(t, Config{}, UnassignedPort)
	defer svc.Close()

	require.NoError(t, svc.Resolve(100*time.Millisecond))
	rec.expect(t, "WillResolve")
	assert.Equal(t, StateResolving, svc.State())

	req := lastRequest(t, mock, responder.KindResolve)
	assert.Equal(t, "printer", req.Resolve.Name)
	assert.Equal(t, "_http._tcp", req.Resolve.Type)
	assert.Equal(t, "local.", req.Resolve.Domain)

	mock.Reply(req.Handle, responder.Reply{
		Name:  "printer",
		Host:  "printer.local.",
		Port:  631,
		Text:  []string{"b=2", "a=1"},
		Addrs: []net.IP{net.IPv4(192, 168, 1, 20)},
	})

	ev := rec.expect(t, "DidResolveAddress")
	assert.Equal(t, 631, ev.port, "port not applied before DidResolveAddress")
	assert.Equal(t, "printer.local.", svc.HostName())
	assert.Equal(t, "a=1\nb=2", string(svc.TXTRecordData()))
	require.Len(t, svc.Addresses(), 1)
	assert.True(t, svc.Addresses()[0].Equal(net.IPv4(192, 168, 1, 20)))

	assert.True(t, req.Handle.Released())
	assert.Equal(t, StateIdle, svc.State())

	// The timer was disarmed.
	rec.none(t, 200*time.Millisecond)
}

func TestResolveTimeout(t *testing.T) {
	defer test.CheckRoutines(t)()

	svc, mock, rec := newTestService(t, Config{}, UnassignedPort)
	defer svc.Close()

	const timeout = 150 * time.Millisecond
	start := time.Now()
	require.NoError(t, svc.Resolve(timeout))
	rec.expect(t, "WillResolve")

	ev := rec.expect(t, "DidNotResolve")
	assert.GreaterOrEqual(t, ev.at.Sub(start), timeout)
	assert.ErrorIs(t, ev.err, ErrTimeout)
	assert.Equal(t, DomainNetServices, ev.err.Domain)
	assert.Equal(t, CodeTimeout, ev.err.Code)

	req := lastRequest(t, mock, responder.KindResolve)
	assert.True(t, req.Handle.Released())
	assert.Equal(t, StateIdle, svc.State())

	mock.Reply(req.Handle, responder.Reply{Host: "late.local."})
	rec.none(t, 100*time.Millisecond)
	assert.Empty(t, svc.HostName())
}

func TestResolveReplyRacesTimeout(t *testing.T) {
	svc, mock, rec := newTestService(t, Config{}, UnassignedPort)
	defer svc.Close()

	const timeout = 20 * time.Millisecond
	for i := 0; i < 10; i++ {
		require.NoError(t, svc.Resolve(timeout))
		rec.expect(t, "WillResolve")

		req := lastRequest(t, mock, responder.KindResolve)
		time.Sleep(timeout)
		mock.Reply(req.Handle, responder.Reply{Host: "printer.local.", Port: 631})

		ev := rec.next(t)
		require.Contains(t, []string{"DidResolveAddress", "DidNotResolve"}, ev.name, "round %d", i)
		if ev.name == "DidNotResolve" {
			assert.ErrorIs(t, ev.err, ErrTimeout)
		}
	}
	rec.none(t, 100*time.Millisecond)
	assert.Equal(t, 0, mock.Live())
}

func TestResolveStop(t *testing.T) {
	defer test.CheckRoutines(t)()

	svc, mock, rec := newTestService(t, Config{}, UnassignedPort)
	defer svc.Close()

	require.NoError(t, svc.Resolve(100*time.Millisecond))
	rec.expect(t, "WillResolve")

	svc.Stop()
	ev := rec.expect(t, "DidNotResolve")
	assert.ErrorIs(t, ev.err, ErrCancelled)
	rec.expect(t, "DidStop")
	assert.Equal(t, 0, mock.Live())

	// No timeout follows the cancellation.
	rec.none(t, 250*time.Millisecond)
}

func TestResolveSubmissionFailure(t *testing.T) {
	svc, mock, rec := newTestService(t, Config{}, UnassignedPort)
	defer svc.Close()

	mock.FailSubmissions(errors.New("daemon unreachable"))

	err := svc.Resolve(time.Second)
	assert.ErrorIs(t, err, ErrUnknown)

	rec.expect(t, "WillResolve")
	ev := rec.expect(t, "DidNotResolve")
	assert.ErrorIs(t, ev.err, ErrUnknown)
}

func TestResolveFailure(t *testing.T) {
	svc, mock, rec := newTestService(t, Config{}, UnassignedPort)
	defer svc.Close()

	require.NoError(t, svc.Resolve(time.Second))
	rec.expect(t, "WillResolve")

	mock.Fail(lastRequest(t, mock, responder.KindResolve).Handle, responder.ErrNoSuchName)
	ev := rec.expect(t, "DidNotResolve")
	assert.ErrorIs(t, ev.err, ErrNotFound)
}

func TestPublishListen(t *testing.T) {
	defer test.CheckRoutines(t)()

	svc, mock, rec := newTestService(t, Config{}, UnassignedPort)
	defer svc.Close()

	require.NoError(t, svc.Publish(ListenForConnections))
	rec.expect(t, "WillPublish")

	port := svc.Port()
	require.Greater(t, port, 0)
	assert.Equal(t, port, lastRequest(t, mock, responder.KindRegister).Register.Port)

	client, err := net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), eventTimeout)
	require.NoError(t, err)
	defer client.Close()

	ev := rec.expect(t, "DidAcceptConnection")
	require.NotNil(t, ev.in)
	require.NotNil(t, ev.out)

	require.NoError(t, ev.out.Open())
	_, err = ev.out.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, ev.out.Close())

	buf, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	require.NoError(t, ev.in.Close())

	svc.Stop()
	rec.expect(t, "DidNotPublish")
	rec.expect(t, "DidStop")

	_, err = net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 500*time.Millisecond)
	assert.Error(t, err, "listener still accepting after Stop")
}

func TestPublishListenRestoresPort(t *testing.T) {
	defer test.CheckRoutines(t)()

	svc, mock, rec := newTestService(t, Config{}, UnassignedPort)
	defer svc.Close()

	// Rejected registration.
	require.NoError(t, svc.Publish(ListenForConnections|NoAutoRename))
	rec.expect(t, "WillPublish")
	require.Greater(t, svc.Port(), 0)

	mock.Fail(lastRequest(t, mock, responder.KindRegister).Handle, responder.ErrNameConflict)
	ev := rec.expect(t, "DidNotPublish")
	assert.ErrorIs(t, ev.err, ErrCollision)
	assert.Equal(t, UnassignedPort, svc.Port())

	// Stopped before the registration completed.
	require.NoError(t, svc.Publish(ListenForConnections))
	rec.expect(t, "WillPublish")
	require.Greater(t, svc.Port(), 0)

	svc.Stop()
	rec.expect(t, "DidNotPublish")
	rec.expect(t, "DidStop")
	assert.Equal(t, UnassignedPort, svc.Port())

	// A completed publish keeps the port it advertised.
	require.NoError(t, svc.Publish(ListenForConnections))
	rec.expect(t, "WillPublish")
	port := svc.Port()
	require.Greater(t, port, 0)

	mock.Reply(lastRequest(t, mock, responder.KindRegister).Handle, responder.Reply{Name: "printer"})
	rec.expect(t, "DidPublish")

	svc.Stop()
	rec.expect(t, "DidStop")
	assert.Equal(t, port, svc.Port())
}

func TestPublishListenWithoutDelegate(t *testing.T) {
	mock := responder.NewMock()
	svc := NewService(Config{Responder: mock}, "local.", "_echo._tcp", "echo", 0)
	defer svc.Close()

	require.NoError(t, svc.Publish(ListenForConnections))

	client, err := net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(svc.Port())), eventTimeout)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(eventTimeout)))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestPublishBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp4", "0.0.0.0:0")
	require.NoError(t, err)
	defer busy.Close()

	svc, mock, rec := newTestService(t, Config{}, busy.Addr().(*net.TCPAddr).Port)
	defer svc.Close()

	err = svc.Publish(ListenForConnections)
	require.Error(t, err)

	var nsErr *Error
	require.True(t, errors.As(err, &nsErr))
	assert.Equal(t, DomainPOSIX, nsErr.Domain)
	assert.Equal(t, ErrorCode(syscall.EADDRINUSE), nsErr.Code)

	rec.expect(t, "WillPublish")
	ev := rec.expect(t, "DidNotPublish")
	assert.Equal(t, DomainPOSIX, ev.err.Domain)
	assert.Empty(t, mock.Requests(), "registered despite bind failure")
	assert.Equal(t, StateIdle, svc.State())
}

func TestMonitoring(t *testing.T) {
	defer test.CheckRoutines(t)()

	svc, mock, rec := newTestService(t, Config{}, UnassignedPort)
	defer svc.Close()

	require.NoError(t, svc.StartMonitoring())
	require.NoError(t, svc.StartMonitoring())
	assert.True(t, svc.IsMonitoring())

	reqs := mock.Requests()
	require.Len(t, reqs, 1, "second StartMonitoring opened another handle")
	h := reqs[0].Handle
	assert.Equal(t, responder.KindMonitor, reqs[0].Kind)

	mock.Reply(h, responder.Reply{Text: []string{"a=1"}})
	ev := rec.expect(t, "DidUpdateTXTRecord")
	assert.Equal(t, "a=1", string(ev.data))

	mock.Reply(h, responder.Reply{Text: []string{"a=1"}})
	rec.none(t, 100*time.Millisecond)

	mock.Reply(h, responder.Reply{Text: []string{"a=2", "b"}})
	ev = rec.expect(t, "DidUpdateTXTRecord")
	assert.Equal(t, "a=2\nb=", string(ev.data))
	assert.Equal(t, "a=2\nb=", string(svc.TXTRecordData()))

	// Monitoring does not interfere with an operation.
	require.NoError(t, svc.Resolve(time.Second))
	rec.expect(t, "WillResolve")
	svc.Stop()
	rec.expect(t, "DidNotResolve")
	rec.expect(t, "DidStop")
	assert.True(t, svc.IsMonitoring())

	svc.StopMonitoring()
	assert.False(t, svc.IsMonitoring())
	assert.True(t, h.Released())
}

func TestClose(t *testing.T) {
	defer test.CheckRoutines(t)()

	svc, mock, rec := newTestService(t, Config{}, 8080)

	require.NoError(t, svc.Publish(0))
	require.NoError(t, svc.StartMonitoring())
	rec.expect(t, "WillPublish")

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	rec.expect(t, "DidNotPublish")
	rec.expect(t, "DidStop")
	assert.Equal(t, 0, mock.Live())

	assert.ErrorIs(t, svc.Publish(0), ErrClosed)
	assert.ErrorIs(t, svc.Resolve(time.Second), ErrClosed)
	assert.ErrorIs(t, svc.StartMonitoring(), ErrClosed)
	assert.ErrorIs(t, svc.SetTXTRecordData(nil), ErrClosed)
}
