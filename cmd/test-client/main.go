package main

import (
	"encoding/base64"
	"flag"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yoonsang0910/Memento-server/messages"
)

func main() {
	// Flags
	serverURL := flag.String("server", "ws://localhost:12345", "WebSocket server URL")
	query := flag.String("msg", "What is marked in this picture?", "Query text")
	imageFile := flag.String("image", "", "Image file to attach (optional)")
	point := flag.String("point", "", "Referent point \"x,y\" to mark on the image (optional)")
	count := flag.Int("n", 1, "Number of queries to send back-to-back")
	flag.Parse()

	var imageB64 string
	if *imageFile != "" {
		data, err := os.ReadFile(*imageFile)
		if err != nil {
			log.Fatalf("Failed to read image: %v", err)
		}
		imageB64 = base64.StdEncoding.EncodeToString(data)
	}

	log.Printf("🔌 Connecting to %s...", *serverURL)

	// Connect to server
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	for i := 0; i < *count; i++ {
		send(conn, messages.NewQueryMessage(*query, imageB64, *point))
	}
	log.Printf("📤 Sent %d queries", *count)

	for i := 0; i < *count; i++ {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("Read error: %v", err)
		}
		msg, err := messages.ParseServerMessage(data)
		if err != nil {
			log.Printf("⚠️ Unexpected frame: %s", data)
			continue
		}
		log.Printf("💬 [%d] %s", i+1, msg.Msg)
	}

	send(conn, messages.NewDisconnectMessage())
	log.Println("✅ Disconnected")
}

func send(conn *websocket.Conn, msg *messages.ClientMessage) {
	data, err := messages.Encode(msg)
	if err != nil {
		log.Fatalf("Failed to encode message: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Fatalf("Failed to send message: %v", err)
	}
}
