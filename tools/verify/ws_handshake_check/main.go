// Command ws_handshake_check dials a running gateway, performs the connect
// handshake and prints a hello-ok summary. With -method it then calls one
// method and prints the response.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-claw-gateway/internal/protocol"
)

// frame is the union of the gateway's wire frames.
type frame struct {
	Type    string               `json:"type"`
	ID      string               `json:"id,omitempty"`
	OK      bool                 `json:"ok,omitempty"`
	Payload json.RawMessage      `json:"payload,omitempty"`
	Error   *protocol.ErrorShape `json:"error,omitempty"`
	Event   string               `json:"event,omitempty"`
	Seq     int64                `json:"seq,omitempty"`
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18789/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "shared token (auth mode token)")
	password := flag.String("password", "", "password (auth mode password)")
	mode := flag.String("mode", "cli", "client mode reported in connect")
	method := flag.String("method", "", "optional method to call after the handshake")
	params := flag.String("params", "{}", "JSON params for -method")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *url, *token, *password, *mode, *method, *params); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func run(ctx context.Context, url, token, password, mode, method, params string) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(4 << 20)

	connect := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client: protocol.ClientInfo{
			ID:       "ws-handshake-check",
			Version:  "dev",
			Platform: runtime.GOOS,
			Mode:     mode,
		},
	}
	if token != "" || password != "" {
		connect.Auth = &protocol.ConnectAuth{Token: token, Password: password}
	}
	res, err := call(ctx, conn, "connect-1", "connect", connect)
	if err != nil {
		return err
	}
	var hello protocol.HelloOK
	if err := json.Unmarshal(res.Payload, &hello); err != nil {
		return fmt.Errorf("decode hello-ok: %w", err)
	}
	if hello.Type != protocol.HelloOKType {
		return fmt.Errorf("unexpected payload type %q", hello.Type)
	}
	fmt.Printf("HELLO protocol=%d server=%s conn=%s auth=%s role=%s\n",
		hello.Protocol, hello.Server.Version, hello.Server.ConnID, hello.Auth.Method, hello.Auth.Role)
	fmt.Printf("HELLO stateVersion presence=%d health=%d uptimeMs=%d\n",
		hello.Snapshot.StateVersion.Presence, hello.Snapshot.StateVersion.Health, hello.Snapshot.UptimeMs)
	fmt.Printf("HELLO methods=%d events=%d tickIntervalMs=%d maxPayload=%d\n",
		len(hello.Features.Methods), len(hello.Features.Events), hello.Policy.TickIntervalMs, hello.Policy.MaxPayload)

	if strings.TrimSpace(method) == "" {
		return nil
	}
	if !json.Valid([]byte(params)) {
		return fmt.Errorf("-params is not valid JSON")
	}
	res, err = call(ctx, conn, "call-1", method, json.RawMessage(params))
	if err != nil {
		return err
	}
	fmt.Printf("<< %s %s\n", method, res.Payload)
	return nil
}

// call sends one request and waits for its response, printing events that
// arrive in between. A response with ok=false is returned as an error.
func call(ctx context.Context, conn *websocket.Conn, id, method string, params any) (frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return frame{}, err
	}
	req := protocol.RequestFrame{Type: protocol.FrameRequest, ID: id, Method: method, Params: raw}
	fmt.Printf(">> %s %s\n", method, redact(method, raw))
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return frame{}, fmt.Errorf("write %s: %w", method, err)
	}
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				return frame{}, fmt.Errorf("%s: socket closed with %d", method, status)
			}
			return frame{}, fmt.Errorf("read %s: %w", method, err)
		}
		switch {
		case f.Type == protocol.FrameEvent:
			fmt.Printf("EVENT %s seq=%d\n", f.Event, f.Seq)
		case f.ID == id && !f.OK:
			if f.Error != nil {
				return f, fmt.Errorf("%s failed: %s %s", method, f.Error.Code, f.Error.Message)
			}
			return f, fmt.Errorf("%s failed", method)
		case f.ID == id:
			return f, nil
		}
	}
}

func redact(method string, raw []byte) string {
	if method == "connect" {
		return "{...}"
	}
	return string(raw)
}
