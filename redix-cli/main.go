package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thiamsantos/redix/config"
	"github.com/thiamsantos/redix/lib/logger"
	"github.com/thiamsantos/redix/lib/utils"
	"github.com/thiamsantos/redix/redis/client"
	"github.com/thiamsantos/redix/redis/protocol"
)

var (
	host    = flag.String("host", "127.0.0.1", "server host")
	port    = flag.Int("port", 6379, "server port")
	auth    = flag.String("auth", "", "password for AUTH")
	db      = flag.Int("n", 0, "database number")
	timeout = flag.Duration("timeout", 5*time.Second, "per request timeout")
	verbose = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Parse()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	c, err := client.Start(&config.Options{
		Host:        *host,
		Port:        *port,
		Password:    *auth,
		DB:          *db,
		SyncConnect: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not connect:", err)
		os.Exit(1)
	}
	defer c.Stop(time.Second)

	prompt := *host + ":" + strconv.Itoa(*port) + "> "
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print(prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print(prompt)
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return
		}
		reply, err := c.Send(utils.ToCmdLine(strings.Fields(line)...), *timeout)
		if err != nil {
			fmt.Println("(error)", err)
			if c.Err() != nil {
				os.Exit(1)
			}
		} else if reply == nil {
			// reply swallowed by CLIENT REPLY OFF/SKIP
			fmt.Println("(no reply)")
		} else {
			fmt.Println(protocol.Format(reply))
		}
		fmt.Print(prompt)
	}
}
