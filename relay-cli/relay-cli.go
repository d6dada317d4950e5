// Command relay-cli is a line-oriented websocket client of the relay server.
//
// Commands read from stdin, one per line:
//
//	send <user> <text>
//	upd <msg id> <user> <text>
//	contact add|del <user>
//	image <image>
//	pull <user>
//	down [cancel]
//	hist <user> [limit]
//	quit
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/directim/relay/server/logs"
	"github.com/gorilla/websocket"
)

var (
	logFlags = flag.String("log_flags", "stdFlags", "comma-separated list of log flags")
	host     = flag.String("host", "ws://localhost:6060/v0/channels", "websocket address of the relay server")
	user     = flag.String("user", "", "ID of the user to join as")
	contacts = flag.String("contacts", "", "comma-separated list of IDs of the user's contacts")
	image    = flag.String("image", "", "profile image shown to mutual contacts")
	verbose  = flag.Bool("verbose", false, "log full JSON representation of all messages")
)

var errQuit = errors.New("quit")

// parseCommand converts a line of input into a client message.
func parseCommand(line, id string) (map[string]any, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, nil
	}

	// Text of the message is the rest of the line after n fields.
	textAfter := func(n int) string {
		rest := strings.TrimSpace(line)
		for range n {
			rest = strings.TrimSpace(rest[len(strings.Fields(rest)[0]):])
		}
		return rest
	}

	switch cmd := parts[0]; cmd {
	case "quit", "exit":
		return nil, errQuit
	case "send":
		if len(parts) < 3 {
			return nil, errors.New("usage: send <user> <text>")
		}
		return map[string]any{"send": map[string]any{"id": id, "to": parts[1], "text": textAfter(2)}}, nil
	case "upd":
		if len(parts) < 4 {
			return nil, errors.New("usage: upd <msg id> <user> <text>")
		}
		return map[string]any{"upd": map[string]any{"id": id, "msg": parts[1], "to": parts[2], "text": textAfter(3)}}, nil
	case "contact":
		if len(parts) != 3 || (parts[1] != "add" && parts[1] != "del") {
			return nil, errors.New("usage: contact add|del <user>")
		}
		return map[string]any{"contact": map[string]any{"id": id, "what": parts[1], "user": parts[2]}}, nil
	case "image":
		return map[string]any{"image": map[string]any{"id": id, "image": textAfter(1)}}, nil
	case "pull":
		if len(parts) != 2 {
			return nil, errors.New("usage: pull <user>")
		}
		return map[string]any{"pull": map[string]any{"id": id, "contact": parts[1]}}, nil
	case "down":
		down := map[string]any{"id": id}
		if len(parts) > 1 && parts[1] == "cancel" {
			down["cancel"] = true
		}
		return map[string]any{"down": down}, nil
	case "hist":
		if len(parts) < 2 || len(parts) > 3 {
			return nil, errors.New("usage: hist <user> [limit]")
		}
		hist := map[string]any{"id": id, "contact": parts[1]}
		if len(parts) == 3 {
			limit, err := strconv.Atoi(parts[2])
			if err != nil || limit < 0 {
				return nil, errors.New("limit must be a non-negative number")
			}
			hist["limit"] = limit
		}
		return map[string]any{"hist": hist}, nil
	default:
		return nil, fmt.Errorf("unknown command '%s'", cmd)
	}
}

// Print messages received from the server.
func readLoop(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logs.Err.Println("read:", err)
			}
			return
		}
		if *verbose {
			logs.Info.Printf("in: %s", raw)
		}
		fmt.Println(string(raw))
	}
}

func send(ws *websocket.Conn, msg map[string]any) error {
	if *verbose {
		bits, _ := json.Marshal(msg)
		logs.Info.Printf("out: %s", bits)
	}
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(msg)
}

func main() {
	flag.Parse()
	logs.Init(os.Stderr, *logFlags)

	if *user == "" {
		logs.Err.Fatal("--user must be provided")
	}

	ws, _, err := websocket.DefaultDialer.Dial(*host, nil)
	if err != nil {
		logs.Err.Fatalf("failed to connect to server: %v", err)
	}
	defer ws.Close()

	done := make(chan struct{})
	go readLoop(ws, done)

	join := map[string]any{"id": "1", "user": *user, "image": *image}
	if *contacts != "" {
		join["contacts"] = strings.Split(*contacts, ",")
	}
	if err = send(ws, map[string]any{"join": join}); err != nil {
		logs.Err.Fatalf("failed to join: %v", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for seq := 2; scanner.Scan(); {
		msg, err := parseCommand(scanner.Text(), strconv.Itoa(seq))
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if msg == nil {
			continue
		}
		if err = send(ws, msg); err != nil {
			logs.Err.Println("failed to send:", err)
			break
		}
		seq++
	}

	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
