package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	gorilla "github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/HMasataka/chathub/internal/auth"
	"github.com/HMasataka/chathub/internal/logging"
	chatclient "github.com/HMasataka/chathub/pkg/client"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
)

const help = `commands:
  /join <room>              join a room and make it current
  /leave [room]             leave a room
  /room <room>              switch the current room
  /react <message> <emoji>  react to a message
  /unreact <message> <emoji>
  /read <sequence>          mark messages read up to sequence
  /typing                   tell the room you are typing
  /quit
anything else is sent as a message to the current room`

func main() {
	flagSet := pflag.NewFlagSet("chathub-client", pflag.ContinueOnError)
	var (
		serverAddr = flagSet.StringP("server", "s", "ws://localhost:8000/ws", "chat server WebSocket URL")
		token      = flagSet.StringP("token", "t", "", "access token")
		secret     = flagSet.String("secret", "", "sign a token locally with this HS256 secret")
		issuer     = flagSet.String("issuer", "chathub", "issuer of locally signed tokens")
		user       = flagSet.StringP("user", "u", "", "user ID for locally signed tokens")
		room       = flagSet.StringP("room", "r", "", "room to join on connect")
		logLevel   = flagSet.String("log-level", "warn", "log level (debug, info, warn, error)")
	)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.New(logging.Config{Level: *logLevel, Format: "pretty"})

	if *token == "" && *secret != "" {
		if *user == "" {
			fmt.Fprintln(os.Stderr, "--user is required with --secret")
			os.Exit(2)
		}
		signed, err := auth.NewJWTManager(auth.JWTConfig{SecretKey: *secret, Issuer: *issuer}).GenerateToken(*user)
		if err != nil {
			logger.Error("failed to sign token", "error", err)
			os.Exit(1)
		}
		*token = signed
	}

	serverURL, err := url.Parse(*serverAddr)
	if err != nil {
		logger.Error("invalid server URL", "error", err)
		os.Exit(1)
	}

	conn := chatclient.New(*serverURL, chatclient.Options{Logger: logger, Token: *token})
	conn.OnUnhandled(func(_ context.Context, f *protocol.Frame) error {
		printFrame(f)
		return nil
	})
	if err := conn.Connect(context.Background()); err != nil {
		logger.Error("failed to connect", "error", err, "server", *serverAddr)
		os.Exit(1)
	}
	defer conn.Close()

	c := &client{conn: conn, logger: logger}

	if *room != "" {
		c.join(*room)
	}

	fmt.Println(help)
	go func() {
		c.inputLoop(bufio.NewScanner(os.Stdin))
		conn.Close()
	}()

	<-conn.Done()

	var closeErr *gorilla.CloseError
	if errors.As(conn.Err(), &closeErr) {
		fmt.Printf("connection closed: %d %s\n", closeErr.Code, closeErr.Text)
	} else if conn.Err() != nil {
		logger.Error("read failed", "error", conn.Err())
	}
}

type client struct {
	conn   *chatclient.Client
	logger *logging.Logger

	mu      sync.Mutex
	current string
}

func (c *client) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *client) setRoom(roomID string) {
	c.mu.Lock()
	c.current = roomID
	c.mu.Unlock()
}

func (c *client) check(_ string, err error) {
	if err != nil {
		c.logger.Error("failed to send", "error", err)
	}
}

func (c *client) join(roomID string) {
	c.setRoom(roomID)
	c.check(c.conn.Join(roomID))
}

func (c *client) inputLoop(scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			if c.currentRoom() == "" {
				fmt.Println("join a room first")
				continue
			}
			c.check(c.conn.SendMessage(c.currentRoom(), line))
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return
		case "/join":
			if len(fields) != 2 {
				fmt.Println("usage: /join <room>")
				continue
			}
			c.join(fields[1])
		case "/leave":
			roomID := c.currentRoom()
			if len(fields) == 2 {
				roomID = fields[1]
			}
			c.check(c.conn.Leave(roomID))
		case "/room":
			if len(fields) != 2 {
				fmt.Println("usage: /room <room>")
				continue
			}
			c.setRoom(fields[1])
		case "/react", "/unreact":
			if len(fields) != 3 {
				fmt.Printf("usage: %s <message> <emoji>\n", fields[0])
				continue
			}
			c.check(c.conn.React(c.currentRoom(), fields[1], fields[2], fields[0] == "/react"))
		case "/read":
			if len(fields) != 2 {
				fmt.Println("usage: /read <sequence>")
				continue
			}
			seq, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Println("sequence must be a number")
				continue
			}
			c.check(c.conn.MarkRead(c.currentRoom(), seq))
		case "/typing":
			c.check(c.conn.Typing(c.currentRoom()))
		default:
			fmt.Println(help)
		}
	}
}

func printFrame(f *protocol.Frame) {
	room := f.RoomID
	switch f.Type {
	case protocol.TypeHistory:
		var h protocol.HistoryData
		if decodeData(f, &h) {
			fmt.Printf("[%s] %s room %q, %d messages\n", room, h.RoomType, h.Name, len(h.Messages))
			for _, m := range h.Messages {
				printMessage(room, m)
			}
		}
	case protocol.TypeMessage:
		var m protocol.MessageData
		if decodeData(f, &m) {
			printMessage(room, m)
		}
	case protocol.TypeReactionUpdate:
		var r protocol.ReactionUpdateData
		if decodeData(f, &r) {
			parts := make([]string, 0, len(r.Reactions))
			for _, s := range r.Reactions {
				parts = append(parts, fmt.Sprintf("%s×%d", s.Emoji, s.Count))
			}
			fmt.Printf("[%s] reactions on %s: %s\n", room, r.MessageID, strings.Join(parts, " "))
		}
	case protocol.TypeMessagesRead:
		var r protocol.ReadData
		if decodeData(f, &r) {
			fmt.Printf("[%s] %s read up to #%d\n", room, r.UserID, r.UptoSequence)
		}
	case protocol.TypeTyping:
		var t protocol.TypingData
		if decodeData(f, &t) {
			fmt.Printf("[%s] %s is typing...\n", room, t.UserID)
		}
	case protocol.TypePresence:
		var p protocol.PresenceData
		if decodeData(f, &p) {
			state := "offline"
			if p.Online {
				state = "online"
			}
			fmt.Printf("[%s] %s is %s\n", room, p.UserID, state)
		}
	case protocol.TypeMemberRemoved:
		var m protocol.MemberRemovedData
		if decodeData(f, &m) {
			fmt.Printf("[%s] %s was removed\n", room, m.UserID)
		}
	case protocol.TypeError:
		var e protocol.ErrorData
		if decodeData(f, &e) {
			fmt.Printf("error %s: %s\n", e.Code, e.Message)
		}
	case protocol.TypeJoined:
		fmt.Printf("joined %s\n", room)
	case protocol.TypeLeft:
		fmt.Printf("left %s\n", room)
	default:
		fmt.Printf("%s %s\n", f.Type, string(f.Data))
	}
}

func printMessage(room string, m protocol.MessageData) {
	fmt.Printf("[%s] #%d %s: %s (%s)\n", room, m.Sequence, m.SenderID, m.Content, m.ID)
}

func decodeData(f *protocol.Frame, v any) bool {
	if err := json.Unmarshal(f.Data, v); err != nil {
		fmt.Printf("bad %s frame: %v\n", f.Type, err)
		return false
	}
	return true
}
