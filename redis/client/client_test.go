package client

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thiamsantos/redix/config"
	"github.com/thiamsantos/redix/interface/redis"
	"github.com/thiamsantos/redix/lib/utils"
	"github.com/thiamsantos/redix/redis/parser"
	"github.com/thiamsantos/redix/redis/protocol"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockServer is a scripted redis server on a loopback listener
type mockServer struct {
	t       *testing.T
	ln      net.Listener
	handler func(conn net.Conn, dec *parser.Decoder)

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func startMock(t *testing.T, handler func(conn net.Conn, dec *parser.Decoder)) *mockServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &mockServer{t: t, ln: ln, handler: handler}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.stop)
	return s
}

func (s *mockServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handler(conn, parser.NewDecoder(conn))
		}()
	}
}

func (s *mockServer) stop() {
	_ = s.ln.Close()
	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *mockServer) options() *config.Options {
	addr := s.ln.Addr().(*net.TCPAddr)
	return &config.Options{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		SyncConnect:    true,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
	}
}

// pingHandler answers every command: PING with +PONG, ECHO with its
// argument, everything else with +OK
func pingHandler(conn net.Conn, dec *parser.Decoder) {
	for {
		cmd, err := dec.Decode()
		if err != nil {
			return
		}
		args, ok := cmd.(*protocol.MultiBulkReply)
		if !ok {
			continue
		}
		var reply redis.Reply
		switch strings.ToUpper(string(args.Args[0])) {
		case "PING":
			reply = protocol.MakeStatusReply("PONG")
		case "ECHO":
			reply = protocol.MakeBulkReply(args.Args[1])
		default:
			reply = protocol.MakeOkReply()
		}
		if _, err := conn.Write(reply.ToBytes()); err != nil {
			return
		}
	}
}

func TestPipelineHappyPath(t *testing.T) {
	srv := startMock(t, pingHandler)
	c, err := Start(srv.options())
	require.NoError(t, err)
	defer c.Stop(time.Second)

	replies, err := c.Pipeline([]CmdLine{
		utils.ToCmdLine("PING"),
		utils.ToCmdLine("PING"),
	}, time.Second)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	for _, reply := range replies {
		assert.Equal(t, "+PONG\r\n", string(reply.ToBytes()))
	}
}

func TestPipelineOrderingAcrossCallers(t *testing.T) {
	srv := startMock(t, pingHandler)
	c, err := Start(srv.options())
	require.NoError(t, err)
	defer c.Stop(time.Second)

	const callers = 8
	const rounds = 20
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				payload := fmt.Sprintf("caller-%d-round-%d", id, j)
				replies, err := c.Pipeline([]CmdLine{
					utils.ToCmdLine("ECHO", payload),
				}, 2*time.Second)
				if assert.NoError(t, err) && assert.Len(t, replies, 1) {
					bulk, ok := replies[0].(*protocol.BulkReply)
					if assert.True(t, ok) {
						assert.Equal(t, payload, string(bulk.Arg))
					}
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestTimeoutThenLateReply(t *testing.T) {
	first := true
	srv := startMock(t, func(conn net.Conn, dec *parser.Decoder) {
		for {
			if _, err := dec.Decode(); err != nil {
				return
			}
			if first {
				first = false
				time.Sleep(500 * time.Millisecond)
			}
			if _, err := conn.Write([]byte("+PONG\r\n")); err != nil {
				return
			}
		}
	})
	c, err := Start(srv.options())
	require.NoError(t, err)
	defer c.Stop(time.Second)

	_, err = c.Pipeline([]CmdLine{utils.ToCmdLine("PING")}, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// the late reply must be discarded, the stream stays in sync for the
	// next request
	replies, err := c.Pipeline([]CmdLine{utils.ToCmdLine("PING")}, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "+PONG\r\n", string(replies[0].ToBytes()))
}

func TestMidFlightDisconnect(t *testing.T) {
	var connCount int32
	srv := startMock(t, func(conn net.Conn, dec *parser.Decoder) {
		if atomic.AddInt32(&connCount, 1) == 1 {
			// swallow both commands, then hang up without replying
			for i := 0; i < 2; i++ {
				if _, err := dec.Decode(); err != nil {
					return
				}
			}
			return
		}
		pingHandler(conn, dec)
	})
	c, err := Start(srv.options())
	require.NoError(t, err)
	defer c.Stop(time.Second)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Pipeline([]CmdLine{
				utils.ToCmdLine("BLPOP", "k", "0"),
			}, 0)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrDisconnected)
	}
	assert.Zero(t, c.table.size())

	// the client reconnects after backoff and keeps working
	require.Eventually(t, func() bool {
		replies, err := c.Pipeline([]CmdLine{utils.ToCmdLine("PING")}, time.Second)
		return err == nil && len(replies) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubmitWhileDisconnected(t *testing.T) {
	srv := startMock(t, pingHandler)
	opts := srv.options()
	// keep the reconnect timer far away so the disconnected state is stable
	opts.BackoffInitial = time.Hour
	opts.BackoffMax = config.NoBackoffCap
	c, err := Start(opts)
	require.NoError(t, err)
	defer c.Stop(time.Second)

	srv.stop()

	require.Eventually(t, func() bool {
		start := time.Now()
		_, err := c.Pipeline([]CmdLine{utils.ToCmdLine("PING")}, time.Second)
		return err == ErrClosed && time.Since(start) < 100*time.Millisecond
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClientReplyOffOn(t *testing.T) {
	srv := startMock(t, func(conn net.Conn, dec *parser.Decoder) {
		mode := "on"
		for {
			cmd, err := dec.Decode()
			if err != nil {
				return
			}
			args := cmd.(*protocol.MultiBulkReply).Args
			var reply redis.Reply
			if len(args) == 3 &&
				strings.EqualFold(string(args[0]), "CLIENT") &&
				strings.EqualFold(string(args[1]), "REPLY") {
				switch strings.ToUpper(string(args[2])) {
				case "OFF":
					mode = "off"
					continue
				case "SKIP":
					if mode != "off" {
						mode = "skip"
					}
					continue
				case "ON":
					mode = "on"
					reply = protocol.MakeOkReply()
				}
			} else {
				switch mode {
				case "off":
					continue
				case "skip":
					mode = "on"
					continue
				default:
					reply = protocol.MakeOkReply()
				}
			}
			if _, err := conn.Write(reply.ToBytes()); err != nil {
				return
			}
		}
	})
	c, err := Start(srv.options())
	require.NoError(t, err)
	defer c.Stop(time.Second)

	replies, err := c.Pipeline([]CmdLine{
		utils.ToCmdLine("CLIENT", "REPLY", "OFF"),
		utils.ToCmdLine("SET", "x", "1"),
		utils.ToCmdLine("CLIENT", "REPLY", "ON"),
	}, 0)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.True(t, protocol.IsOKReply(replies[0]))
	assert.Equal(t, replyOn, c.replyMode)

	// a batch that produces no reply at all resolves without touching
	// the socket
	replies, err = c.Pipeline([]CmdLine{
		utils.ToCmdLine("CLIENT", "REPLY", "OFF"),
		utils.ToCmdLine("SET", "y", "2"),
		utils.ToCmdLine("CLIENT", "REPLY", "SKIP"),
	}, 0)
	require.NoError(t, err)
	assert.Empty(t, replies)
	assert.Zero(t, c.table.size())

	// back to normal
	replies, err = c.Pipeline([]CmdLine{
		utils.ToCmdLine("CLIENT", "REPLY", "ON"),
		utils.ToCmdLine("PING"),
	}, 0)
	require.NoError(t, err)
	require.Len(t, replies, 2)
}

func TestInlineServerError(t *testing.T) {
	srv := startMock(t, func(conn net.Conn, dec *parser.Decoder) {
		for {
			cmd, err := dec.Decode()
			if err != nil {
				return
			}
			args := cmd.(*protocol.MultiBulkReply).Args
			var reply redis.Reply
			if strings.EqualFold(string(args[0]), "LPUSH") {
				reply = protocol.MakeErrReply("WRONGTYPE Operation against a key holding the wrong kind of value")
			} else {
				reply = protocol.MakeOkReply()
			}
			if _, err := conn.Write(reply.ToBytes()); err != nil {
				return
			}
		}
	})
	c, err := Start(srv.options())
	require.NoError(t, err)
	defer c.Stop(time.Second)

	// a -ERR reply is delivered in place, it does not fail the batch
	replies, err := c.Pipeline([]CmdLine{
		utils.ToCmdLine("SET", "k", "v"),
		utils.ToCmdLine("LPUSH", "k", "v"),
		utils.ToCmdLine("SET", "k2", "v"),
	}, time.Second)
	require.NoError(t, err)
	require.Len(t, replies, 3)
	assert.True(t, protocol.IsOKReply(replies[0]))
	assert.True(t, protocol.IsErrorReply(replies[1]))
	assert.True(t, protocol.IsOKReply(replies[2]))
}

func TestAuthHandshake(t *testing.T) {
	srv := startMock(t, func(conn net.Conn, dec *parser.Decoder) {
		for {
			cmd, err := dec.Decode()
			if err != nil {
				return
			}
			args := cmd.(*protocol.MultiBulkReply).Args
			var reply redis.Reply
			switch strings.ToUpper(string(args[0])) {
			case "AUTH":
				if string(args[1]) == "sekret" {
					reply = protocol.MakeOkReply()
				} else {
					reply = protocol.MakeErrReply("ERR invalid password")
				}
			case "SELECT":
				reply = protocol.MakeOkReply()
			default:
				reply = protocol.MakeStatusReply("PONG")
			}
			if _, err := conn.Write(reply.ToBytes()); err != nil {
				return
			}
		}
	})

	opts := srv.options()
	opts.Password = "sekret"
	opts.DB = 3
	c, err := Start(opts)
	require.NoError(t, err)
	reply, err := c.Send(utils.ToCmdLine("PING"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", string(reply.ToBytes()))
	c.Stop(time.Second)
}

func TestAuthFailureStopsClient(t *testing.T) {
	srv := startMock(t, func(conn net.Conn, dec *parser.Decoder) {
		if _, err := dec.Decode(); err != nil {
			return
		}
		_, _ = conn.Write(protocol.MakeErrReply("ERR invalid password").ToBytes())
	})
	opts := srv.options()
	opts.Password = "wrong"
	_, err := Start(opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid password")
}

func TestSyncConnectFailure(t *testing.T) {
	// grab a port with no listener behind it
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = Start(&config.Options{
		Host:        "127.0.0.1",
		Port:        port,
		SyncConnect: true,
		DialTimeout: 500 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestStopAnswersPending(t *testing.T) {
	srv := startMock(t, func(conn net.Conn, dec *parser.Decoder) {
		// swallow commands, never reply
		for {
			if _, err := dec.Decode(); err != nil {
				return
			}
		}
	})
	c, err := Start(srv.options())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Pipeline([]CmdLine{utils.ToCmdLine("BLPOP", "k", "0")}, 0)
		errCh <- err
	}()
	// let the request reach the wire before stopping
	require.Eventually(t, func() bool {
		return c.table.size() == 1
	}, time.Second, 10*time.Millisecond)

	c.Stop(50 * time.Millisecond)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending caller not released by Stop")
	}

	_, err = c.Pipeline([]CmdLine{utils.ToCmdLine("PING")}, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPostponedWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	srv := startMock(t, func(conn net.Conn, dec *parser.Decoder) {
		<-release
		pingHandler(conn, dec)
	})
	opts := srv.options()
	opts.SyncConnect = false
	opts.Password = "sekret"

	// handshake cannot finish until release is closed, so the first
	// pipeline is postponed in connecting
	c, err := Start(opts)
	require.NoError(t, err)
	defer c.Stop(time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Pipeline([]CmdLine{utils.ToCmdLine("PING")}, 2*time.Second)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("postponed pipeline never resolved")
	}
}

func TestEmptyPipeline(t *testing.T) {
	srv := startMock(t, pingHandler)
	c, err := Start(srv.options())
	require.NoError(t, err)
	defer c.Stop(time.Second)
	_, err = c.Pipeline(nil, time.Second)
	assert.ErrorIs(t, err, ErrEmptyPipeline)
}

func TestExitOnDisconnection(t *testing.T) {
	srv := startMock(t, pingHandler)
	opts := srv.options()
	opts.ExitOnDisconnection = true
	c, err := Start(opts)
	require.NoError(t, err)

	srv.stop()
	select {
	case <-c.Done():
		assert.Error(t, c.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("client did not exit on disconnection")
	}
}
