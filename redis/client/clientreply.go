package client

import (
	"strings"

	"github.com/thiamsantos/redix/interface/redis"
)

// replyMode mirrors the server-side CLIENT REPLY flag as induced by the
// commands this connection has issued
type replyMode int

const (
	replyOn replyMode = iota
	replyOff
	replySkip
)

// clientReplyArg recognizes CLIENT REPLY {ON|OFF|SKIP}, returning the
// uppercased argument. Anything else, including CLIENT subcommands with
// a different arity, is an ordinary command.
func clientReplyArg(cmd redis.CmdLine) (string, bool) {
	if len(cmd) != 3 {
		return "", false
	}
	if !strings.EqualFold(string(cmd[0]), "CLIENT") || !strings.EqualFold(string(cmd[1]), "REPLY") {
		return "", false
	}
	arg := strings.ToUpper(string(cmd[2]))
	switch arg {
	case "ON", "OFF", "SKIP":
		return arg, true
	}
	return "", false
}

// accountReplies walks a batch left to right and computes how many
// replies the server will send for it, plus the reply mode to persist.
// OFF and SKIP themselves produce no reply, ON answers +OK, and under
// SKIP the next ordinary command is swallowed.
func accountReplies(mode replyMode, cmds []redis.CmdLine) (int, replyMode) {
	ncommands := 0
	for _, cmd := range cmds {
		if arg, ok := clientReplyArg(cmd); ok {
			switch arg {
			case "OFF":
				mode = replyOff
			case "SKIP":
				if mode != replyOff {
					mode = replySkip
				}
			case "ON":
				mode = replyOn
				ncommands++
			}
			continue
		}
		switch mode {
		case replyOn:
			ncommands++
		case replyOff:
			// swallowed
		case replySkip:
			mode = replyOn
		}
	}
	return ncommands, mode
}
