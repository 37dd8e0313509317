// ws_bridge exposes a quill ACP subprocess over a WebSocket, so browser
// frontends can drive the newline-delimited JSON-RPC stream without a
// local pipe. Start it with the agent command line as arguments:
//
//	ws_bridge quill -acp
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is one message toward the browser. Stream is "stdout" or "stderr".
type frame struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ws_bridge <agent command> [args...]")
		os.Exit(2)
	}
	http.HandleFunc("/ws", handleWS(args))

	fmt.Println("WebSocket bridge on ws://localhost:8080/ws")
	log.Fatal(http.ListenAndServe(":8080", nil))
}

func handleWS(cmdArgs []string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("Upgrade error:", err)
			return
		}
		defer conn.Close()

		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Println("Error getting stdin:", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Println("Error getting stdout:", err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Println("Error getting stderr:", err)
			return
		}

		if err := cmd.Start(); err != nil {
			log.Println("Error starting agent:", err)
			return
		}
		defer func() {
			stdin.Close()
			cmd.Wait()
		}()

		// writeMu is implicit in gorilla: one writer at a time, so both
		// pump goroutines funnel through a channel.
		frames := make(chan frame, 64)
		go pump(stdout, "stdout", frames)
		go pump(stderr, "stderr", frames)
		go func() {
			for f := range frames {
				payload, err := json.Marshal(f)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					log.Println("WS write error:", err)
					return
				}
			}
		}()

		// WebSocket messages feed the agent's stdin line by line.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Println("WS read error:", err)
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Println("Stdin write error:", err)
				return
			}
		}
	}
}

// pump forwards each line of the reader as one frame.
func pump(r io.Reader, stream string, frames chan<- frame) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		frames <- frame{Stream: stream, Data: scanner.Text()}
	}
}
