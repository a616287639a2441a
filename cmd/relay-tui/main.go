package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chat-relay/relay/internal/app"
	"github.com/chat-relay/relay/internal/client"
	"github.com/chat-relay/relay/internal/config"
	"github.com/chat-relay/relay/internal/logging"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL of the relay")
	nick := flag.String("nick", os.Getenv("USER"), "Nickname to join as")
	who := flag.Bool("who", false, "Print who is online and exit")
	logPath := flag.String("log", "", "Write debug logs to this file")
	quiet := flag.Duration("typing-quiet", time.Second, "Typing quiet period")
	flag.Parse()

	base, err := client.BaseURLFromWS(*wsURL)
	if err != nil {
		fail(err)
	}
	httpClient := client.NewHTTPClient(base)

	if *who {
		peers, err := httpClient.Peers()
		if err != nil {
			fail(err)
		}
		fmt.Printf("%d online\n", len(peers))
		for _, p := range peers {
			fmt.Printf("  %s\n", p.Nickname)
		}
		return
	}

	if *nick == "" {
		fail(errors.New("a nickname is required (-nick)"))
	}
	// Advisory only: the server decides at join time.
	if err := httpClient.CheckNickname(*nick); errors.Is(err, client.ErrNicknameInUse) {
		fail(fmt.Errorf("nickname %q is already in use", *nick))
	}

	log := zap.NewNop()
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fail(err)
		}
		defer f.Close()
		if log, err = logging.New(config.LogConfig{Level: "debug", Format: "json"}, f); err != nil {
			fail(err)
		}
		defer log.Sync()
	}

	ws := client.NewWSClient(*wsURL, *nick, log)
	p := tea.NewProgram(app.New(ws, *quiet), tea.WithAltScreen())

	final, err := p.Run()
	if err != nil {
		fail(err)
	}
	if m, ok := final.(app.Model); ok && m.Err() != nil {
		fail(m.Err())
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
