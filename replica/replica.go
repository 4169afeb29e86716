package replica

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	rdb "github.com/hdt3213/rdb/parser"
	"github.com/thiamsantos/redix/interface/redis"
	"github.com/thiamsantos/redix/lib/logger"
	"github.com/thiamsantos/redix/lib/utils"
	"github.com/thiamsantos/redix/redis/parser"
	"github.com/thiamsantos/redix/redis/protocol"
)

// Config selects the master to replicate from
type Config struct {
	Addr     string
	Password string
	// ListeningPort is announced through REPLCONF, defaults to 6380
	ListeningPort int
	DialTimeout   time.Duration
}

// Handler receives the replication stream.
// OnObject is called once per key decoded from the full-resync snapshot,
// OnCommand once per propagated write command.
type Handler struct {
	OnObject  func(obj rdb.RedisObject)
	OnCommand func(cmd redis.CmdLine)
}

// Replica is a read-only replication link to a master: it performs the
// PSYNC handshake, loads the snapshot and follows command propagation.
type Replica struct {
	cfg     Config
	handler Handler

	conn   net.Conn
	replID string
	offset int64
	closed int32
	done   chan struct{}
	err    error
}

const (
	defaultListeningPort = 6380
	defaultDialTimeout   = 5 * time.Second
)

// Sync dials the master, performs a full resynchronization and starts
// following the propagation stream in the background.
func Sync(cfg Config, handler Handler) (*Replica, error) {
	if cfg.Addr == "" {
		return nil, errors.New("replica: no master address")
	}
	if cfg.ListeningPort == 0 {
		cfg.ListeningPort = defaultListeningPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	r := &Replica{
		cfg:     cfg,
		handler: handler,
		done:    make(chan struct{}),
	}
	conn, err := net.DialTimeout("tcp", cfg.Addr, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	dec := parser.NewDecoder(conn)
	if err := r.bootstrap(dec); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go r.propagate(dec)
	return r, nil
}

// Offset returns the replication offset reached so far
func (r *Replica) Offset() int64 {
	return atomic.LoadInt64(&r.offset)
}

// ReplID returns the master replication id from the FULLRESYNC header
func (r *Replica) ReplID() string {
	return r.replID
}

// Done is closed when the link dies, Err then reports why
func (r *Replica) Done() <-chan struct{} {
	return r.done
}

func (r *Replica) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Close tears the link down, idempotent
func (r *Replica) Close() {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return
	}
	_ = r.conn.Close()
}

// bootstrap mirrors the handshake a redis replica performs: PING, AUTH,
// REPLCONF listening-port, then PSYNC ? -1 followed by the snapshot.
func (r *Replica) bootstrap(dec *parser.Decoder) error {
	_ = r.conn.SetDeadline(time.Now().Add(r.cfg.DialTimeout))
	defer func() {
		_ = r.conn.SetDeadline(time.Time{})
	}()

	if err := r.exchange(dec, utils.ToCmdLine("PING")); err != nil {
		return err
	}
	if r.cfg.Password != "" {
		if err := r.exchange(dec, utils.ToCmdLine("AUTH", r.cfg.Password)); err != nil {
			return err
		}
	}
	portCmd := utils.ToCmdLine("REPLCONF", "listening-port", strconv.Itoa(r.cfg.ListeningPort))
	if err := r.exchange(dec, portCmd); err != nil {
		return err
	}

	psyncReq := protocol.MakeMultiBulkReply(utils.ToCmdLine("PSYNC", "?", "-1"))
	if _, err := r.conn.Write(psyncReq.ToBytes()); err != nil {
		return err
	}
	header, err := dec.Decode()
	if err != nil {
		return err
	}
	status, ok := header.(*protocol.StatusReply)
	if !ok {
		return errors.New("replica: illegal psync header: " + string(header.ToBytes()))
	}
	fields := strings.Fields(status.Status)
	if len(fields) != 3 || fields[0] != "FULLRESYNC" {
		return errors.New("replica: illegal psync header: " + status.Status)
	}
	r.replID = fields[1]
	offset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return errors.New("replica: illegal repl offset: " + fields[2])
	}
	atomic.StoreInt64(&r.offset, offset)

	// the snapshot bulk has no trailing CRLF
	rdbBytes, err := dec.DecodeRDB()
	if err != nil {
		return err
	}
	logger.Infof("replica: received %d bytes of snapshot from %s", len(rdbBytes), r.cfg.Addr)
	rdbDec := rdb.NewDecoder(bytes.NewReader(rdbBytes))
	return rdbDec.Parse(func(obj rdb.RedisObject) bool {
		if r.handler.OnObject != nil {
			r.handler.OnObject(obj)
		}
		return true
	})
}

func (r *Replica) exchange(dec *parser.Decoder, cmdLine redis.CmdLine) error {
	req := protocol.MakeMultiBulkReply(cmdLine)
	if _, err := r.conn.Write(req.ToBytes()); err != nil {
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

// propagate follows the command stream the master keeps sending after
// the snapshot, answering REPLCONF GETACK with the current offset
func (r *Replica) propagate(dec *parser.Decoder) {
	defer close(r.done)
	ch := dec.Stream()
	for payload := range ch {
		if payload.Err != nil {
			if atomic.LoadInt32(&r.closed) == 0 {
				r.err = payload.Err
				_ = r.conn.Close()
			}
			return
		}
		cmdLine, ok := payload.Data.(*protocol.MultiBulkReply)
		if !ok {
			logger.Warn("replica: unexpected payload: ", string(payload.Data.ToBytes()))
			continue
		}
		atomic.AddInt64(&r.offset, int64(len(cmdLine.ToBytes())))
		if isGetAck(cmdLine.Args) {
			r.sendAck()
			continue
		}
		if r.handler.OnCommand != nil {
			r.handler.OnCommand(cmdLine.Args)
		}
	}
}

func (r *Replica) sendAck() {
	offset := strconv.FormatInt(atomic.LoadInt64(&r.offset), 10)
	ack := protocol.MakeMultiBulkReply(utils.ToCmdLine("REPLCONF", "ACK", offset))
	if _, err := r.conn.Write(ack.ToBytes()); err != nil {
		logger.Warn("replica: ack failed: ", err)
	}
}

func isGetAck(args redis.CmdLine) bool {
	return len(args) == 3 &&
		strings.EqualFold(string(args[0]), "REPLCONF") &&
		strings.EqualFold(string(args[1]), "GETACK")
}
