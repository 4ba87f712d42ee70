package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/NicolasHaas/roomrelay/pkg/client"
	"github.com/NicolasHaas/roomrelay/pkg/logging"
	"github.com/NicolasHaas/roomrelay/pkg/protocol"
	"github.com/NicolasHaas/roomrelay/pkg/version"
)

const helpText = `commands:
  /join CODE   enter the room named CODE
  /leave       leave the current room
  /ping        round-trip check
  /quit        disconnect
anything else is sent to the current room`

func main() {
	fs := flag.NewFlagSet("roomrelay-client", flag.ExitOnError)
	settingsPath := fs.String("settings", client.DefaultSettingsPath(), "Client settings file")
	url := fs.String("url", "", "Relay WebSocket URL (saved to settings)")
	token := fs.String("token", "", "Session token from roomrelay-server --issue-token (saved to settings)")
	room := fs.String("room", "", "Room to join on connect")
	logLevel := fs.String("log-level", "warn", "Log level: "+logging.LevelNames())
	showVersion := fs.BoolP("version", "v", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.Full())
		return
	}
	if err := logging.Setup(logging.Options{Level: *logLevel, Output: os.Stderr}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	settings, err := client.LoadSettings(*settingsPath)
	if err != nil {
		slog.Error("load settings", "err", err)
		os.Exit(1)
	}
	if *url != "" {
		settings.ServerURL = *url
	}
	if *token != "" {
		settings.Token = *token
	}
	if *room != "" {
		settings.LastRoom = *room
	}
	if settings.Token == "" {
		fmt.Fprintln(os.Stderr, "no session token: pass --token")
		os.Exit(2)
	}

	c, err := client.Dial(context.Background(), settings.ServerURL, settings.Token)
	if err != nil {
		slog.Error("connect", "url", settings.ServerURL, "err", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	c.SetEventHandler(printEvent)
	c.StartReceiving()

	if settings.LastRoom != "" {
		if err := c.JoinRoom(settings.LastRoom); err != nil {
			slog.Error("join", "err", err)
		}
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-c.Done():
			fmt.Println("* disconnected")
			saveSettings(settings, *settingsPath)
			return
		case line, ok := <-lines:
			if !ok {
				saveSettings(settings, *settingsPath)
				return
			}
			if quit := handleLine(c, settings, line); quit {
				saveSettings(settings, *settingsPath)
				return
			}
		}
	}
}

func handleLine(c *client.ControlClient, settings *client.Settings, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	var err error
	switch cmd, arg, _ := strings.Cut(line, " "); cmd {
	case "/quit":
		return true
	case "/help":
		fmt.Println(helpText)
	case "/join":
		settings.LastRoom = strings.TrimSpace(arg)
		err = c.JoinRoom(settings.LastRoom)
	case "/leave":
		settings.LastRoom = ""
		err = c.LeaveRoom()
	case "/ping":
		err = c.Ping()
	default:
		err = c.SendChat(line)
	}
	if err != nil {
		slog.Error("send", "err", err)
	}
	return false
}

func printEvent(ev client.Event) {
	switch ev.Type {
	case protocol.EventInit:
		fmt.Printf("* joined, %d message(s) since you arrived\n", len(ev.History))
		for _, m := range ev.History {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.AuthorDisplayName, m.Text)
		}
	case protocol.EventChatMessage:
		m := ev.Message
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.AuthorDisplayName, m.Text)
	case protocol.EventError:
		fmt.Printf("* error: %s\n", ev.Code)
	case protocol.EventPong:
		fmt.Println("* pong")
	}
}

func saveSettings(s *client.Settings, path string) {
	if err := s.Save(path); err != nil {
		slog.Warn("save settings", "err", err)
	}
}
