package protocol

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/thiamsantos/redix/interface/redis"
)

var errNullReply = errors.New("null reply")

// IsNullReply returns true for $-1 and *0
func IsNullReply(reply redis.Reply) bool {
	switch reply.(type) {
	case *NullBulkReply, *EmptyMultiBulkReply:
		return true
	}
	return false
}

// AsString extracts the text carried by a status or bulk reply
func AsString(reply redis.Reply) (string, error) {
	switch r := reply.(type) {
	case *StatusReply:
		return r.Status, nil
	case *BulkReply:
		return string(r.Arg), nil
	case *StandardErrReply:
		return "", r
	case *NullBulkReply:
		return "", errNullReply
	}
	return "", errors.New("unexpected reply type: " + string(reply.ToBytes()))
}

// AsInt64 extracts the number carried by an integer reply, or parses
// a bulk reply as a base-10 integer
func AsInt64(reply redis.Reply) (int64, error) {
	switch r := reply.(type) {
	case *IntReply:
		return r.Code, nil
	case *BulkReply:
		return strconv.ParseInt(string(r.Arg), 10, 64)
	case *StandardErrReply:
		return 0, r
	}
	return 0, errors.New("unexpected reply type: " + string(reply.ToBytes()))
}

// AsDecimal parses a bulk reply as arbitrary-precision decimal, the way
// the server formats INCRBYFLOAT and HINCRBYFLOAT results
func AsDecimal(reply redis.Reply) (decimal.Decimal, error) {
	s, err := AsString(reply)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}

// Format renders a reply the way redis-cli does
func Format(reply redis.Reply) string {
	switch r := reply.(type) {
	case *StatusReply:
		return r.Status
	case *OkReply:
		return "OK"
	case *StandardErrReply:
		return "(error) " + r.Status
	case *IntReply:
		return "(integer) " + strconv.FormatInt(r.Code, 10)
	case *BulkReply:
		return strconv.Quote(string(r.Arg))
	case *NullBulkReply:
		return "(nil)"
	case *EmptyMultiBulkReply:
		return "(empty array)"
	case *MultiBulkReply:
		lines := make([]string, 0, len(r.Args))
		for i, arg := range r.Args {
			line := strconv.Itoa(i+1) + ") "
			if arg == nil {
				line += "(nil)"
			} else {
				line += strconv.Quote(string(arg))
			}
			lines = append(lines, line)
		}
		return strings.Join(lines, "\n")
	}
	return string(reply.ToBytes())
}
