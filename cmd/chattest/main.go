// Command chattest is a load testing tool for the chat WebSocket endpoint.
// It opens many concurrent connections into one conversation and measures
// delivery throughput.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

type metrics struct {
	connectionsAttempted int64
	connectionsSuccess   int64
	connectionsFailed    int64
	messagesSent         int64
	messagesReceived     int64
	errors               int64
}

var m metrics

type frame struct {
	Type           string `json:"type"`
	ConversationID uint   `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

func main() {
	host := flag.String("host", "localhost:8460", "API server host")
	secret := flag.String("secret", "your-secret-key-change-in-production", "JWT signing secret")
	conversationID := flag.Uint("conversation", 1, "conversation ID to join")
	clients := flag.Int("clients", 50, "number of concurrent clients")
	firstUser := flag.Uint("first-user", 1, "first user ID; clients use sequential IDs")
	interval := flag.Duration("interval", 2*time.Second, "delay between messages per client")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	flag.Parse()

	log.Printf("starting chat load test against %s", *host)
	log.Printf("clients=%d conversation=%d duration=%v", *clients, *conversationID, *duration)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		userID := *firstUser + uint(i)
		go func(userID uint) {
			defer wg.Done()
			runClient(*host, *secret, userID, *conversationID, *interval, stop)
		}(userID)
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-time.After(*duration):
	case <-interrupt:
		log.Println("interrupted")
	}
	close(stop)
	wg.Wait()

	log.Printf("connections: attempted=%d ok=%d failed=%d",
		atomic.LoadInt64(&m.connectionsAttempted),
		atomic.LoadInt64(&m.connectionsSuccess),
		atomic.LoadInt64(&m.connectionsFailed))
	log.Printf("messages: sent=%d received=%d errors=%d",
		atomic.LoadInt64(&m.messagesSent),
		atomic.LoadInt64(&m.messagesReceived),
		atomic.LoadInt64(&m.errors))
}

func runClient(host, secret string, userID, conversationID uint, interval time.Duration, stop <-chan struct{}) {
	atomic.AddInt64(&m.connectionsAttempted, 1)

	token, err := signToken(secret, userID)
	if err != nil {
		atomic.AddInt64(&m.connectionsFailed, 1)
		return
	}

	u := url.URL{
		Scheme: "ws",
		Host:   host,
		Path:   "/api/ws/chat",
		RawQuery: url.Values{
			"token":           {token},
			"conversation_id": {strconv.FormatUint(uint64(conversationID), 10)},
		}.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		atomic.AddInt64(&m.connectionsFailed, 1)
		return
	}
	defer func() { _ = conn.Close() }()
	atomic.AddInt64(&m.connectionsSuccess, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&m.messagesReceived, 1)
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-stop:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		case <-done:
			return
		case <-ticker.C:
			seq++
			payload, _ := json.Marshal(frame{
				Type:           "send_message",
				ConversationID: conversationID,
				Content:        fmt.Sprintf("load test message %d from user %d", seq, userID),
			})
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				atomic.AddInt64(&m.errors, 1)
				return
			}
			atomic.AddInt64(&m.messagesSent, 1)
		}
	}
}

func signToken(secret string, userID uint) (string, error) {
	claims := jwt.MapClaims{
		"sub":  strconv.FormatUint(uint64(userID), 10),
		"name": fmt.Sprintf("loadtest-%d", userID),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
