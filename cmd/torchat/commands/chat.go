package commands

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/opd-ai/torchat"
)

// maxMessageLength caps outgoing chat messages; the transport itself
// carries far more, but the chat convention is short messages.
const maxMessageLength = 280

// chatUI installs the terminal event handlers on an endpoint. It must run
// before Listen or Connect so no event is missed. The returned channel is
// closed when the peer disconnects.
func chatUI(endpoint *torchat.Endpoint) <-chan struct{} {
	done := make(chan struct{})
	var once sync.Once

	endpoint.OnPeerConnecting(func() {
		fmt.Println("* peer connecting...")
	})
	endpoint.OnPeerConnected(func() {
		fmt.Println("* peer connected, session is end-to-end encrypted")
	})
	endpoint.OnPeerDisconnected(func() {
		fmt.Println("* peer disconnected")
		once.Do(func() { close(done) })
	})
	endpoint.OnMessage(func(text string) {
		fmt.Printf("peer: %s\n", text)
	})
	endpoint.OnTypingIndicator(func() {
		fmt.Println("* peer is typing...")
	})
	endpoint.OnReadReceipt(func() {
		fmt.Println("* message read")
	})

	return done
}

// chatLoop reads outgoing lines from stdin and sends them until EOF or the
// peer disconnects.
func chatLoop(endpoint *torchat.Endpoint, done <-chan struct{}) error {
	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- scanner.Text()
		}
		close(input)
	}()

	for {
		select {
		case <-done:
			return nil
		case line, ok := <-input:
			if !ok {
				return nil
			}
			if len(line) == 0 {
				continue
			}
			if len([]rune(line)) > maxMessageLength {
				fmt.Printf("! message exceeds %d characters, not sent\n", maxMessageLength)
				continue
			}
			if err := endpoint.SendMessage(line); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		}
	}
}
