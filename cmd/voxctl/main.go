// voxctl is a small check client for a running voxd daemon: it pings,
// asks for capabilities, or synthesizes one utterance and writes the
// returned WAV to disk.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlabs/voxd/internal/protocol"
)

func main() {
	var (
		url      string
		text     string
		language string
		output   string
		mode     string
	)

	flag.StringVar(&url, "url", "ws://localhost:8000/ws", "WebSocket URL of the voxd daemon")
	flag.StringVar(&text, "text", "Hola, esto es una prueba de síntesis de voz.", "Text to synthesize")
	flag.StringVar(&language, "language", "es", "Language code")
	flag.StringVar(&output, "output", "test_output.wav", "Output WAV file")
	flag.StringVar(&mode, "test", "basic", "Test to run: basic, ping, info, all")
	flag.Parse()

	if err := run(url, text, language, output, mode); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(url, text, language, output, mode string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	sock, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer sock.Close()

	// The daemon greets every connection with a capability frame.
	welcome, err := readResponse(sock, 5*time.Second)
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Info != nil {
		fmt.Printf("connected to %s %s (device %s, languages %v)\n",
			welcome.Info.Server, welcome.Info.Version, welcome.Info.Device,
			welcome.Info.SupportedLanguages)
	}

	switch mode {
	case "ping":
		return ping(sock)
	case "info":
		return info(sock)
	case "basic":
		return synthesize(sock, text, language, output)
	case "all":
		if err := ping(sock); err != nil {
			return err
		}
		if err := info(sock); err != nil {
			return err
		}
		return synthesize(sock, text, language, output)
	default:
		return fmt.Errorf("unknown test: %q", mode)
	}
}

func ping(sock *websocket.Conn) error {
	start := time.Now()
	resp, err := roundTrip(sock, protocol.Request{Command: protocol.CommandPing}, 5*time.Second)
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("ping failed: %s", resp.ErrorMessage)
	}
	fmt.Printf("ping: %s in %s\n", resp.Message, time.Since(start).Round(time.Millisecond))
	return nil
}

func info(sock *websocket.Conn) error {
	resp, err := roundTrip(sock, protocol.Request{Command: protocol.CommandInfo}, 5*time.Second)
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK || resp.Info == nil {
		return fmt.Errorf("info failed: %s", resp.ErrorMessage)
	}
	pretty, err := json.MarshalIndent(resp.Info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func synthesize(sock *websocket.Conn, text, language, output string) error {
	req := protocol.Request{
		Command:  protocol.CommandSynthesize,
		Text:     text,
		Language: language,
	}

	start := time.Now()
	resp, err := roundTrip(sock, req, 3*time.Minute)
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("synthesis failed (%s): %s", resp.ErrorKind, resp.ErrorMessage)
	}

	if err := os.WriteFile(output, resp.Audio, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	fmt.Printf("synthesized %d bytes (%d Hz, lang %s) in %s, saved to %s\n",
		len(resp.Audio), resp.SampleRate, resp.Language,
		time.Since(start).Round(time.Millisecond), output)
	return nil
}

func roundTrip(sock *websocket.Conn, req protocol.Request, timeout time.Duration) (protocol.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.Response{}, err
	}
	_ = sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return protocol.Response{}, fmt.Errorf("write: %w", err)
	}
	return readResponse(sock, timeout)
}

func readResponse(sock *websocket.Conn, timeout time.Duration) (protocol.Response, error) {
	_ = sock.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := sock.ReadMessage()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read: %w", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return protocol.Response{}, fmt.Errorf("decode: %w", err)
	}
	return resp, nil
}
