package sentinel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/thiamsantos/redix/config"
	"github.com/thiamsantos/redix/interface/redis"
	"github.com/thiamsantos/redix/lib/logger"
	"github.com/thiamsantos/redix/lib/utils"
	"github.com/thiamsantos/redix/redis/parser"
	"github.com/thiamsantos/redix/redis/protocol"
)

// Resolve asks the configured sentinels for the current master address
// of the monitored group. Sentinels are tried in order, the first usable
// answer wins.
func Resolve(opts *config.SentinelOptions, timeout time.Duration) (string, error) {
	var lastErr error
	for _, addr := range opts.Addrs {
		masterAddr, err := queryMasterAddr(addr, opts, timeout)
		if err != nil {
			logger.WithField("sentinel", addr).Warn("master lookup failed: ", err)
			lastErr = err
			continue
		}
		return masterAddr, nil
	}
	if lastErr == nil {
		lastErr = errors.New("sentinel: no sentinel addresses configured")
	}
	return "", fmt.Errorf("sentinel: cannot resolve master %q: %w", opts.MasterName, lastErr)
}

func queryMasterAddr(addr string, opts *config.SentinelOptions, timeout time.Duration) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = conn.Close()
	}()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	dec := parser.NewDecoder(conn)
	exchange := func(cmdLine redis.CmdLine) (redis.Reply, error) {
		req := protocol.MakeMultiBulkReply(cmdLine)
		if _, err := conn.Write(req.ToBytes()); err != nil {
			return nil, err
		}
		reply, err := dec.Decode()
		if err != nil {
			return nil, err
		}
		if errReply, ok := reply.(*protocol.StandardErrReply); ok {
			return nil, errReply
		}
		return reply, nil
	}

	if opts.Password != "" {
		if _, err := exchange(utils.ToCmdLine("AUTH", opts.Password)); err != nil {
			return "", err
		}
	}
	reply, err := exchange(utils.ToCmdLine("SENTINEL", "get-master-addr-by-name", opts.MasterName))
	if err != nil {
		return "", err
	}
	answer, ok := reply.(*protocol.MultiBulkReply)
	if !ok || len(answer.Args) != 2 {
		return "", errors.New("unexpected get-master-addr-by-name reply: " + string(reply.ToBytes()))
	}
	host := string(answer.Args[0])
	port, err := strconv.Atoi(string(answer.Args[1]))
	if err != nil {
		return "", errors.New("bad master port: " + string(answer.Args[1]))
	}
	return host + ":" + strconv.Itoa(port), nil
}
