package client

import (
	"bytes"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/thiamsantos/redix/config"
	"github.com/thiamsantos/redix/interface/redis"
	"github.com/thiamsantos/redix/lib/logger"
	"github.com/thiamsantos/redix/lib/sync/wait"
	"github.com/thiamsantos/redix/redis/protocol"
)

// CmdLine is alias for [][]byte, represents a command line
type CmdLine = redis.CmdLine

var (
	// ErrClosed is returned for requests submitted while the connection
	// is down or the client is stopped
	ErrClosed = errors.New("redix: connection closed")
	// ErrDisconnected is returned for requests that were in flight when
	// the connection was lost
	ErrDisconnected = errors.New("redix: disconnected during request")
	// ErrTimeout is returned when the per-request timeout fires before
	// the reply arrives
	ErrTimeout = errors.New("redix: request timed out")
	// ErrEmptyPipeline is returned for a batch with no commands
	ErrEmptyPipeline = errors.New("redix: empty pipeline")
)

const (
	stateConnecting = iota
	stateConnected
	stateDisconnected
)

const mailboxSize = 64

type result struct {
	replies []redis.Reply
	err     error
}

type request struct {
	cmds    []CmdLine
	timeout time.Duration
	// resultCh has capacity 1 and receives exactly one result
	resultCh chan result
}

// controller events, one mailbox message each
type (
	evPipeline struct {
		req *request
	}
	evConnected struct {
		owner *socketOwner
		conn  net.Conn
		addr  string
	}
	evStopped struct {
		owner  *socketOwner
		reason error
	}
	evReconnect struct{}
	evTimeout   struct {
		counter uint64
	}
	evStop struct {
		done chan struct{}
	}
)

// Client is a single pipelined connection to a redis server.
// A mailbox goroutine owns all state transitions, a subordinate socket
// owner goroutine owns the file descriptor and decodes replies.
type Client struct {
	id   string
	opts *config.Options

	mailbox chan interface{}
	table   *pendingTable

	// everything below is owned by the run goroutine
	state         int
	conn          net.Conn
	connectedAddr string
	owner         *socketOwner
	counter       uint64
	backoff       time.Duration
	replyMode     replyMode
	postponed     []*request
	syncNotify    chan error

	working wait.Wait
	closed  int32
	done    chan struct{}
	exitErr error
}

// Start spawns the connection. With SyncConnect it blocks until the first
// attempt either connects or fails, otherwise it returns immediately and
// requests submitted before the connection is up are postponed.
func Start(opts *config.Options) (*Client, error) {
	if opts == nil {
		opts = &config.Options{}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		id:        ksuid.New().String(),
		opts:      opts,
		mailbox:   make(chan interface{}, mailboxSize),
		table:     newPendingTable(),
		state:     stateConnecting,
		replyMode: replyOn,
		done:      make(chan struct{}),
	}
	// capture the channel before the run goroutine can clear the field
	var syncCh chan error
	if opts.SyncConnect {
		syncCh = make(chan error, 1)
		c.syncNotify = syncCh
	}
	c.owner = c.spawnOwner()
	go c.run()
	if syncCh != nil {
		if err := <-syncCh; err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Pipeline submits a batch of commands in one write and blocks until the
// replies, a timeout or a disconnection arrive. Replies come back in
// command order. timeout <= 0 waits forever.
func (c *Client) Pipeline(cmds []CmdLine, timeout time.Duration) ([]redis.Reply, error) {
	if len(cmds) == 0 {
		return nil, ErrEmptyPipeline
	}
	c.working.Add(1)
	defer c.working.Done()
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, ErrClosed
	}
	req := &request{
		cmds:     cmds,
		timeout:  timeout,
		resultCh: make(chan result, 1),
	}
	select {
	case c.mailbox <- &evPipeline{req: req}:
	case <-c.done:
		return nil, c.exitReason()
	}
	select {
	case res := <-req.resultCh:
		return res.replies, res.err
	case <-c.done:
		// a result may have been delivered right before the exit
		select {
		case res := <-req.resultCh:
			return res.replies, res.err
		default:
			return nil, c.exitReason()
		}
	}
}

// Send submits a single command. The reply is nil when the command
// produced none (CLIENT REPLY OFF/SKIP).
func (c *Client) Send(cmd CmdLine, timeout time.Duration) (redis.Reply, error) {
	replies, err := c.Pipeline([]CmdLine{cmd}, timeout)
	if err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		return nil, nil
	}
	return replies[0], nil
}

// Stop shuts the client down. In-flight requests get up to timeout to
// finish, whatever remains is answered with ErrClosed.
func (c *Client) Stop(timeout time.Duration) {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.working.WaitWithTimeout(timeout)
	stopped := make(chan struct{})
	c.post(&evStop{done: stopped})
	select {
	case <-stopped:
	case <-c.done:
	}
}

// Done is closed once the client has terminated, Err then reports why
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the exit reason after Done is closed, nil for an orderly stop
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.exitErr
	default:
		return nil
	}
}

func (c *Client) exitReason() error {
	if c.exitErr != nil {
		return c.exitErr
	}
	return ErrClosed
}

// post delivers an event to the mailbox unless the controller has exited
func (c *Client) post(ev interface{}) {
	select {
	case c.mailbox <- ev:
	case <-c.done:
	}
}

func (c *Client) run() {
	defer close(c.done)
	log := logger.WithField("conn", c.id)
	for ev := range c.mailbox {
		switch e := ev.(type) {
		case *evPipeline:
			c.handlePipeline(e.req)
		case *evConnected:
			c.handleConnected(e)
		case *evStopped:
			if terminate := c.handleStopped(e); terminate {
				log.Debug("controller terminating: ", c.exitErr)
				return
			}
		case *evReconnect:
			if c.state == stateDisconnected {
				log.Debug("reconnecting")
				c.owner = c.spawnOwner()
				c.state = stateConnecting
			}
		case *evTimeout:
			if ch, ok := c.table.setTimedOut(e.counter); ok {
				ch <- result{err: ErrTimeout}
			}
		case *evStop:
			c.handleStop(e)
			return
		}
	}
}

func (c *Client) handlePipeline(req *request) {
	switch c.state {
	case stateConnecting:
		// postponed until the connection attempt settles
		c.postponed = append(c.postponed, req)
	case stateDisconnected:
		req.resultCh <- result{err: ErrClosed}
	case stateConnected:
		c.sendRequest(req)
	}
}

func (c *Client) sendRequest(req *request) {
	ncommands, mode := accountReplies(c.replyMode, req.cmds)
	c.replyMode = mode
	if ncommands == 0 {
		req.resultCh <- result{replies: []redis.Reply{}}
		return
	}
	counter := c.counter
	c.counter++
	c.table.insert(counter, req.resultCh, ncommands)

	var buf bytes.Buffer
	for _, cmd := range req.cmds {
		buf.Write(protocol.MakeMultiBulkReply(cmd).ToBytes())
	}
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		logger.WithField("conn", c.id).Warn("send failed: ", err)
		// the socket owner observes the closed socket and reports
		// stopped, which drains the table
		_ = c.conn.Close()
		c.conn = nil
		c.state = stateDisconnected
		return
	}
	if req.timeout > 0 {
		c.armTimeout(counter, req.timeout)
	}
}

func (c *Client) armTimeout(counter uint64, timeout time.Duration) {
	time.AfterFunc(timeout, func() {
		c.post(&evTimeout{counter: counter})
	})
}

func (c *Client) handleConnected(e *evConnected) {
	if e.owner != c.owner {
		// connection attempt abandoned before it finished
		_ = e.conn.Close()
		return
	}
	c.conn = e.conn
	c.connectedAddr = e.addr
	if c.backoff > 0 {
		c.opts.Telemetry.Reconnected(e.addr)
	}
	c.backoff = 0
	c.state = stateConnected
	c.notifySync(nil)
	logger.WithField("conn", c.id).Info("connected to ", e.addr)

	postponed := c.postponed
	c.postponed = nil
	for _, req := range postponed {
		c.handlePipeline(req)
	}
}

func (c *Client) handleStopped(e *evStopped) (terminate bool) {
	if e.owner != c.owner {
		return false
	}
	addr := c.connectedAddr
	if addr == "" {
		addr = c.opts.Addr()
	}
	if c.state == stateConnecting {
		c.opts.Telemetry.FailedConnection(addr, e.reason)
	} else {
		c.connectedAddr = ""
		c.opts.Telemetry.Disconnection(addr, e.reason)
	}
	return c.disconnect(e.reason)
}

// disconnect decides between terminating and scheduling a reconnect,
// failing every pending request either way
func (c *Client) disconnect(reason error) (terminate bool) {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.owner = nil

	if isRedisError(reason) {
		// the server refused us (bad auth, bad select), retrying
		// cannot help
		c.terminate(reason)
		return true
	}
	if c.opts.ExitOnDisconnection {
		c.terminate(reason)
		return true
	}
	if c.syncNotify != nil {
		// Start is still blocked on the first attempt
		c.terminate(reason)
		return true
	}

	c.table.drain(func(ch chan result, timedOut bool) {
		if !timedOut {
			ch <- result{err: ErrDisconnected}
		}
	})
	c.state = stateDisconnected
	// postponed requests are re-delivered now that the state is settled,
	// which answers them with ErrClosed
	postponed := c.postponed
	c.postponed = nil
	for _, req := range postponed {
		c.handlePipeline(req)
	}
	c.backoff = nextBackoff(c.backoff, c.opts.BackoffInitial, c.opts.BackoffMax)
	logger.WithField("conn", c.id).Info("reconnecting in ", c.backoff)
	time.AfterFunc(c.backoff, func() {
		c.post(&evReconnect{})
	})
	return false
}

func (c *Client) terminate(reason error) {
	c.exitErr = reason
	c.notifySync(reason)
	c.failPending(reason)
}

// failPending answers every live pending or postponed request with err
func (c *Client) failPending(err error) {
	c.table.drain(func(ch chan result, timedOut bool) {
		if !timedOut {
			ch <- result{err: err}
		}
	})
	for _, req := range c.postponed {
		req.resultCh <- result{err: err}
	}
	c.postponed = nil
}

func (c *Client) handleStop(e *evStop) {
	if c.owner != nil {
		c.owner.normalStop()
		c.owner = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.failPending(ErrClosed)
	close(e.done)
}

func (c *Client) notifySync(err error) {
	if c.syncNotify != nil {
		c.syncNotify <- err
		c.syncNotify = nil
	}
}

func isRedisError(err error) bool {
	var reply redis.ErrorReply
	return errors.As(err, &reply)
}
