// Command chat is a terminal chat client for the realtime gateway. It joins
// a room (or a direct-message channel) and relays stdin lines as messages.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/tandem/social-app/internal/chatclient"
)

func main() {
	config := chatclient.Config{
		BaseURL: "http://localhost:8080",
		Token:   os.Getenv("TOKEN"),
		UserID:  os.Getenv("USER_ID"),
		RoomID:  os.Getenv("ROOM"),
		PeerID:  os.Getenv("PEER"),
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		config.BaseURL = v
	}
	if config.Token == "" {
		log.Fatal("TOKEN is required")
	}

	client, err := chatclient.New(config)
	if err != nil {
		log.Fatal(err)
	}

	client.OnMessage(func(e chatclient.Entry) {
		if e.SenderID == config.UserID {
			return
		}
		fmt.Printf("[%s] %s\n", e.SenderID, e.Content)
	})
	client.OnTyping(func(userID string, isTyping bool) {
		if isTyping {
			fmt.Printf("(%s is typing...)\n", userID)
		}
	})
	client.OnPresence(func(userID, status string) {
		fmt.Printf("(%s is %s)\n", userID, status)
	})

	client.Start()
	defer client.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		entry := client.SendMessage(context.Background(), line)
		if entry.Status == chatclient.StatusFailed {
			fmt.Println("(message rejected)")
		}
	}
}
