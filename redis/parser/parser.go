package parser

import (
	"bufio"
	"bytes"
	"io"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/thiamsantos/redix/interface/redis"
	"github.com/thiamsantos/redix/lib/logger"
	"github.com/thiamsantos/redix/redis/protocol"
)

// Payload stores redis.Reply or error
type Payload struct {
	Data redis.Reply
	Err  error
}

// ProtocolError is a malformed line inside an otherwise live stream.
// It is distinct from io errors so the reader can decide whether the
// stream is still usable.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

func protocolError(msg []byte) *ProtocolError {
	return &ProtocolError{Msg: string(msg)}
}

// IsProtocolError returns true if err was produced by a malformed line
// rather than by the underlying reader
func IsProtocolError(err error) bool {
	_, ok := err.(*ProtocolError)
	return ok
}

// Decoder reads replies from a stream one at a time.
// Decode blocks until a full reply has been buffered.
type Decoder struct {
	reader *bufio.Reader
}

// NewDecoder creates a Decoder over r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		reader: bufio.NewReader(r),
	}
}

// Decode reads exactly one reply.
// Protocol errors are returned as *ProtocolError, io failures verbatim.
func (d *Decoder) Decode() (redis.Reply, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}
	switch line[0] {
	case '+':
		return protocol.MakeStatusReply(string(line[1:])), nil
	case '-':
		return protocol.MakeErrReply(string(line[1:])), nil
	case ':':
		val, err := strconv.ParseInt(string(line[1:]), 10, 64)
		if err != nil {
			return nil, protocolError(line)
		}
		return protocol.MakeIntReply(val), nil
	case '$':
		return d.decodeBulk(line)
	case '*':
		return d.decodeMultiBulk(line)
	default:
		// inline text, split on whitespace like redis-cli input
		fields := strings.Fields(string(line))
		args := make([][]byte, len(fields))
		for i, s := range fields {
			args[i] = []byte(s)
		}
		return protocol.MakeMultiBulkReply(args), nil
	}
}

// DecodeRDB reads the bulk payload a master sends after +FULLRESYNC.
// Unlike an ordinary bulk string it has no trailing CRLF.
func (d *Decoder) DecodeRDB() ([]byte, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}
	if line[0] != '$' {
		return nil, protocolError(line)
	}
	bulkLen, err := strconv.ParseInt(string(line[1:]), 10, 64)
	if err != nil || bulkLen < 0 {
		return nil, protocolError(line)
	}
	body := make([]byte, bulkLen)
	if _, err := io.ReadFull(d.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

// readLine reads until \n and strips the trailing CRLF
func (d *Decoder) readLine() ([]byte, error) {
	msg, err := d.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(msg) < 3 || msg[len(msg)-2] != '\r' {
		return nil, protocolError(bytes.TrimSuffix(msg, []byte{'\n'}))
	}
	return msg[:len(msg)-2], nil
}

func (d *Decoder) decodeBulk(header []byte) (redis.Reply, error) {
	bulkLen, err := strconv.ParseInt(string(header[1:]), 10, 64)
	if err != nil || bulkLen < -1 {
		return nil, protocolError(header)
	}
	if bulkLen == -1 {
		return protocol.MakeNullBulkReply(), nil
	}
	body := make([]byte, bulkLen+2)
	if _, err := io.ReadFull(d.reader, body); err != nil {
		return nil, err
	}
	return protocol.MakeBulkReply(body[:len(body)-2]), nil
}

func (d *Decoder) decodeMultiBulk(header []byte) (redis.Reply, error) {
	nArgs, err := strconv.ParseInt(string(header[1:]), 10, 32)
	if err != nil || nArgs < -1 {
		return nil, protocolError(header)
	}
	if nArgs <= 0 {
		return protocol.MakeEmptyMultiBulkReply(), nil
	}
	args := make([][]byte, 0, nArgs)
	for i := int64(0); i < nArgs; i++ {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) > 0 && line[0] == '$' {
			bulkLen, err := strconv.ParseInt(string(line[1:]), 10, 64)
			if err != nil || bulkLen < -1 {
				return nil, protocolError(line)
			}
			if bulkLen == -1 {
				args = append(args, []byte{})
				continue
			}
			body := make([]byte, bulkLen+2)
			if _, err := io.ReadFull(d.reader, body); err != nil {
				return nil, err
			}
			args = append(args, body[:len(body)-2])
		} else {
			// status or integer element, keep the raw line
			args = append(args, line)
		}
	}
	return protocol.MakeMultiBulkReply(args), nil
}

// ParseStream reads replies from r and sends them through the returned
// channel. The channel is closed on the first io failure; malformed lines
// are reported as payloads and parsing continues.
func ParseStream(r io.Reader) <-chan *Payload {
	return NewDecoder(r).Stream()
}

// Stream keeps decoding from the position the Decoder has reached and
// delivers payloads through a channel. Useful after a synchronous
// handshake on the same stream.
func (d *Decoder) Stream() <-chan *Payload {
	ch := make(chan *Payload)
	go d.parse0(ch)
	return ch
}

// ParseOne decodes the first reply contained in data
func ParseOne(data []byte) (redis.Reply, error) {
	return NewDecoder(bytes.NewReader(data)).Decode()
}

func (dec *Decoder) parse0(ch chan<- *Payload) {
	defer func() {
		if err := recover(); err != nil {
			logger.Error(err, string(debug.Stack()))
		}
	}()
	for {
		data, err := dec.Decode()
		if err != nil {
			if IsProtocolError(err) {
				ch <- &Payload{Err: err}
				continue
			}
			ch <- &Payload{Err: err}
			close(ch)
			return
		}
		ch <- &Payload{Data: data}
	}
}
