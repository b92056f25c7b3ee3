// chatclient is a minimal line-oriented REPL over the Client Session Layer,
// used to exercise and demonstrate failover end to end. It is not a GUI
// (that's explicitly out of scope); it reads a line, translates a small set
// of slash-commands into protocol.Messages, and prints whatever the server
// sends back.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatcluster/internal/clientsession"
	"chatcluster/internal/config"
	"chatcluster/internal/logging"
	"chatcluster/internal/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to chatclient.yaml")
	logLevel := flag.String("log-level", "warn", "debug, info, warn, error")
	flag.Parse()

	log := logging.New(*logLevel, true)

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	codec := protocol.CodecFor(cfg.CustomMode)
	sess := clientsession.New(clientsession.Config{
		Servers: cfg.Servers,
		Codec:   codec,
		Log:     log,
		OnConnected: func() {
			fmt.Println("* connected")
		},
		OnDisconnected: func() {
			fmt.Println("* disconnected, will retry")
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start session")
	}
	defer sess.Stop()

	go printLoop(ctx, sess)

	fmt.Println("chatclient. Commands: /create, /login, /logoff, /list [pattern], /send <to> <text>, /deliver [limit], /delete_msgs <id...>, /delete, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	username := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		msg, newUsername, ok := parseCommand(line, username)
		if !ok {
			fmt.Println("unrecognized command")
			continue
		}
		username = newUsername
		sess.Send(msg)
	}
}

func printLoop(ctx context.Context, sess *clientsession.Session) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				msg, ok := sess.Receive()
				if !ok {
					break
				}
				printIncoming(msg)
			}
		}
	}
}

func printIncoming(msg *protocol.Message) {
	switch {
	case msg.Error:
		fmt.Printf("! [%s] %s\n", msg.Cmd, msg.Body)
	case msg.Cmd == protocol.CmdDeliver:
		fmt.Printf("<%s> %s\n", msg.Src, msg.Body)
	default:
		fmt.Printf("[%s] %s\n", msg.Cmd, msg.Body)
	}
}

// parseCommand translates one REPL line into a protocol.Message. It returns
// the (possibly updated) active username alongside the message, since
// /create and /login are the only commands that establish it.
func parseCommand(line, username string) (*protocol.Message, string, bool) {
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	rest := ""
	if len(fields) > 1 {
		rest = fields[1]
	}

	switch cmd {
	case "/create", "/login":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return nil, username, false
		}
		name, password := parts[0], parts[1]
		action := protocol.CmdCreate
		if cmd == "/login" {
			action = protocol.CmdLogin
		}
		return &protocol.Message{Cmd: action, Src: name, Body: []byte(password)}, name, true

	case "/logoff":
		return &protocol.Message{Cmd: protocol.CmdLogoff, Src: username}, username, true

	case "/list":
		return &protocol.Message{Cmd: protocol.CmdList, Src: username, Body: []byte(rest)}, username, true

	case "/send":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return nil, username, false
		}
		to, body := parts[0], parts[1]
		return &protocol.Message{Cmd: protocol.CmdSend, Src: username, To: to, Body: []byte(body)}, username, true

	case "/deliver":
		limit := 0
		fmt.Sscanf(rest, "%d", &limit)
		return &protocol.Message{Cmd: protocol.CmdDeliver, Src: username, Limit: uint16(limit)}, username, true

	case "/delete_msgs":
		ids := strings.Fields(rest)
		return &protocol.Message{Cmd: protocol.CmdDeleteMsgs, Src: username, MsgIDs: ids}, username, true

	case "/delete":
		return &protocol.Message{Cmd: protocol.CmdDelete, Src: username}, username, true

	default:
		return nil, username, false
	}
}
