// wsclient drives the detection WebSocket end to end: it connects, starts a
// baseline and streams synthetic frames, printing every state message the
// server sends back. Useful for poking at a running server without a browser.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Vicky270506/awake-watch-tech/internal/models"
)

func generateTestImage() ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) % 256)})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "detection websocket URL")
	frames := flag.Int("frames", 120, "number of frames to send")
	interval := flag.Duration("interval", 50*time.Millisecond, "delay between frames")
	flag.Parse()

	frame, err := generateTestImage()
	if err != nil {
		log.Fatalf("failed to generate test image: %v", err)
	}
	fmt.Printf("generated test frame: %d bytes\n", len(frame))

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg models.WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case models.TypeState:
				payload, _ := json.Marshal(msg.Payload)
				fmt.Printf("state: %s\n", payload)
			case models.TypeInfo:
				fmt.Printf("info:  %s\n", msg.Message)
			case models.TypeError:
				fmt.Printf("error: %s\n", msg.Message)
			default:
				fmt.Printf("%s\n", msg.Type)
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	send := func(msg models.WSMessage) bool {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("write failed: %v", err)
			return false
		}
		return true
	}

	if !send(models.WSMessage{Type: models.TypeCmd, Cmd: models.CmdBeginBaseline}) {
		return
	}

	payload, err := json.Marshal(models.FramePayload{
		Frame:     base64.StdEncoding.EncodeToString(frame),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Fatalf("encode frame payload: %v", err)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
	for sent < *frames {
		select {
		case <-ticker.C:
			if !send(models.WSMessage{Type: models.TypeFrame, Data: payload}) {
				return
			}
			sent++
		case <-interrupt:
			fmt.Println("interrupted")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			<-done
			return
		case <-done:
			return
		}
	}

	fmt.Printf("sent %d frames\n", sent)
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
