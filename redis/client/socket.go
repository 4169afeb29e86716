package client

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/thiamsantos/redix/config"
	"github.com/thiamsantos/redix/interface/redis"
	"github.com/thiamsantos/redix/lib/logger"
	"github.com/thiamsantos/redix/lib/utils"
	"github.com/thiamsantos/redix/redis/parser"
	"github.com/thiamsantos/redix/redis/protocol"
	"github.com/thiamsantos/redix/sentinel"
)

// socketOwner owns the file descriptor for one connection attempt.
// It dials, performs the handshake, then decodes replies and resolves
// pending rows until the socket dies or a normal stop is requested.
type socketOwner struct {
	c     *Client
	opts  *config.Options
	table *pendingTable

	mu       sync.Mutex
	conn     net.Conn
	stopping bool
}

func (c *Client) spawnOwner() *socketOwner {
	o := &socketOwner{
		c:     c,
		opts:  c.opts,
		table: c.table,
	}
	go o.run()
	return o
}

// normalStop makes the owner exit without reporting stopped to the
// controller. Closing the socket unblocks the read loop.
func (o *socketOwner) normalStop() {
	o.mu.Lock()
	o.stopping = true
	conn := o.conn
	o.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (o *socketOwner) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping
}

// adopt registers the freshly dialed socket, false if a normal stop
// arrived while dialing
func (o *socketOwner) adopt(conn net.Conn) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return false
	}
	o.conn = conn
	return true
}

func (o *socketOwner) run() {
	conn, addr, err := o.dial()
	if err != nil {
		o.c.post(&evStopped{owner: o, reason: err})
		return
	}
	if !o.adopt(conn) {
		_ = conn.Close()
		return
	}
	dec := parser.NewDecoder(conn)
	if err := o.handshake(conn, dec); err != nil {
		_ = conn.Close()
		if !o.isStopping() {
			o.c.post(&evStopped{owner: o, reason: err})
		}
		return
	}
	o.c.post(&evConnected{owner: o, conn: conn, addr: addr})
	o.readLoop(dec)
}

func (o *socketOwner) dial() (net.Conn, string, error) {
	addr := o.opts.Addr()
	if o.opts.Sentinel != nil {
		resolved, err := sentinel.Resolve(o.opts.Sentinel, o.opts.DialTimeout)
		if err != nil {
			return nil, "", err
		}
		addr = resolved
	}
	if o.opts.TLS != nil {
		dialer := &net.Dialer{Timeout: o.opts.DialTimeout}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, o.opts.TLS)
		if err != nil {
			return nil, "", err
		}
		return conn, addr, nil
	}
	conn, err := net.DialTimeout("tcp", addr, o.opts.DialTimeout)
	if err != nil {
		return nil, "", err
	}
	return conn, addr, nil
}

// handshake runs AUTH and SELECT as demanded by opts. A -ERR reply is
// returned as *protocol.StandardErrReply so the controller can tell a
// server refusal from a transport failure.
func (o *socketOwner) handshake(conn net.Conn, dec *parser.Decoder) error {
	if o.opts.Password == "" && o.opts.DB == 0 {
		return nil
	}
	_ = conn.SetDeadline(time.Now().Add(o.opts.DialTimeout))
	defer func() {
		_ = conn.SetDeadline(time.Time{})
	}()

	exchange := func(cmdLine redis.CmdLine) error {
		req := protocol.MakeMultiBulkReply(cmdLine)
		if _, err := conn.Write(req.ToBytes()); err != nil {
			return err
		}
		reply, err := dec.Decode()
		if err != nil {
			return err
		}
		if errReply, ok := reply.(*protocol.StandardErrReply); ok {
			return errReply
		}
		return nil
	}

	if o.opts.Password != "" {
		var authCmd redis.CmdLine
		if o.opts.Username != "" {
			authCmd = utils.ToCmdLine("AUTH", o.opts.Username, o.opts.Password)
		} else {
			authCmd = utils.ToCmdLine("AUTH", o.opts.Password)
		}
		if err := exchange(authCmd); err != nil {
			return err
		}
	}
	if o.opts.DB != 0 {
		if err := exchange(utils.ToCmdLine("SELECT", strconv.Itoa(o.opts.DB))); err != nil {
			return err
		}
	}
	return nil
}

func (o *socketOwner) readLoop(dec *parser.Decoder) {
	for {
		reply, err := dec.Decode()
		if err != nil {
			if o.isStopping() {
				return
			}
			if parser.IsProtocolError(err) {
				logger.Warn("reply stream corrupted: ", err)
			}
			o.c.post(&evStopped{owner: o, reason: err})
			return
		}
		o.deliver(reply)
	}
}

// deliver accumulates reply into the oldest pending row and resolves the
// row once all of its replies have arrived
func (o *socketOwner) deliver(reply redis.Reply) {
	done, ch, timedOut, replies, ok := o.table.push(reply)
	if !ok {
		logger.Warn("reply with no pending request: ", string(reply.ToBytes()))
		return
	}
	if done && !timedOut {
		ch <- result{replies: replies}
	}
}
