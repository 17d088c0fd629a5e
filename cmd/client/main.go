/*
Package main is a terminal demo client for MsgHD.

It connects to a relay through the messenger facade, prints incoming
events, and reads commands from stdin:

	/to <userId>        select the conversation target
	/msg <text>         send text to the selected target
	/search <query>     search peers by nickname or id
	/users              print the current presence list
	/away | /back       toggle away status (local transport only)
	/quit               disconnect and exit

If the relay stays unreachable the facade switches to the local
transport automatically; peers on the same machine sharing the bridge
file keep seeing each other.
*/
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"msghd/internal/messenger"
	"msghd/internal/pkg/logx"
	"msghd/internal/transport"
)

func main() {
	var (
		relayURL = flag.String("relay", "ws://localhost:8080/ws", "relay WebSocket endpoint")
		userID   = flag.String("id", "", "user id (persisted identity reused when empty)")
		nickname = flag.String("name", "", "display name")
		stateDir = flag.String("state", defaultStateDir(), "directory for identity and local bridge files")
	)
	flag.Parse()

	logx.InitGlobalLogger(true)

	m := messenger.New(messenger.Config{
		RelayURL:     *relayURL,
		StoragePath:  filepath.Join(*stateDir, "bridge.json"),
		IdentityPath: filepath.Join(*stateDir, "identity.json"),
	})

	printEvents(m)

	if err := m.Connect(*userID, *nickname); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	self := m.Identity()
	fmt.Printf("connected as %s (%s)\n", self.Nickname, self.UserID)

	runPrompt(m)

	m.Disconnect()
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".msghd"
	}
	return filepath.Join(home, ".msghd")
}

// printEvents subscribes to every user-visible event and renders it as a
// single line.
func printEvents(m *messenger.Messenger) {
	m.On(transport.EventChatMessage, func(p any) {
		msg := p.(transport.ChatMessage)
		fmt.Printf("[%s] %s\n", msg.SenderName, msg.Text)
	})
	m.On(transport.EventUserJoined, func(p any) {
		u := p.(transport.UserEvent)
		fmt.Printf("* %s joined\n", u.Nickname)
	})
	m.On(transport.EventUserLeft, func(p any) {
		u := p.(transport.UserEvent)
		fmt.Printf("* %s left\n", u.Nickname)
	})
	m.On(transport.EventTypingStart, func(p any) {
		t := p.(transport.TypingEvent)
		fmt.Printf("* %s is typing...\n", t.UserID)
	})
	m.On(transport.EventSearchResult, func(p any) {
		r := p.(transport.SearchResult)
		fmt.Printf("? %s (%s) [%s]\n", r.User.Nickname, r.User.ID, r.User.Status)
	})
	m.On(transport.EventFallbackActivated, func(any) {
		fmt.Println("* relay unreachable, switched to local mode")
	})
	m.On(transport.EventConnected, func(any) {
		fmt.Println("* connected")
	})
	m.On(transport.EventDisconnected, func(any) {
		fmt.Println("* disconnected")
	})
}

func runPrompt(m *messenger.Messenger) {
	var target string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "/to":
			target = strings.TrimSpace(rest)
			fmt.Printf("talking to %s\n", target)
		case "/msg":
			if target == "" {
				fmt.Println("no target selected, use /to <userId> first")
				continue
			}
			m.SendChatMessage(target, rest)
		case "/search":
			m.SearchUsers(strings.TrimSpace(rest))
		case "/users":
			for _, u := range m.OnlineUsers() {
				fmt.Printf("- %s (%s) [%s]\n", u.Nickname, u.ID, u.Status)
			}
		case "/away":
			m.SetHidden(true)
		case "/back":
			m.SetHidden(false)
		case "/quit":
			return
		default:
			if target == "" {
				fmt.Println("no target selected, use /to <userId> first")
				continue
			}
			m.NotifyTyping(target)
			m.SendChatMessage(target, line)
		}
	}
}
