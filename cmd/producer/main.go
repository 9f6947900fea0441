// Command producer sends a reading file to the relay over WebSocket, the way
// the printer's sensor pipeline does.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type options struct {
	URL      string
	Token    string
	Protocol string
	Interval time.Duration
}

func main() {
	var (
		opts    options
		file    string
		message string
		envFile string
	)
	pflag.StringVar(&opts.URL, "url", "ws://localhost:8080/", "relay WebSocket URL")
	pflag.StringVarP(&file, "file", "f", "transmitData.json", "file whose content is sent as one frame")
	pflag.StringVarP(&message, "message", "m", "", "send this text instead of a file")
	pflag.DurationVar(&opts.Interval, "interval", 0, "resend every interval until interrupted (0 sends once)")
	pflag.StringVar(&envFile, "env-file", ".env", "dotenv file with REACT_APP_TOKEN and REACT_APP_PROTOCOL")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error("failed to load env file", "path", envFile, "error", err)
		os.Exit(1)
	}
	opts.Token = os.Getenv("REACT_APP_TOKEN")
	opts.Protocol = os.Getenv("REACT_APP_PROTOCOL")
	if opts.Token == "" || opts.Protocol == "" {
		logger.Error("missing REACT_APP_TOKEN or REACT_APP_PROTOCOL")
		os.Exit(1)
	}

	payload := []byte(message)
	if message == "" {
		data, err := os.ReadFile(file)
		if err != nil {
			logger.Error("failed to read payload", "file", file, "error", err)
			os.Exit(1)
		}
		payload = data
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sent, err := transmit(ctx, opts, payload)
	if err != nil {
		logger.Error("transmit failed", "sent", sent, "error", err)
		os.Exit(1)
	}
	logger.Info("done", "frames", sent)
}

// transmit connects, sends payload once or every opts.Interval, then closes
// the connection normally. It returns the number of frames sent.
func transmit(ctx context.Context, opts options, payload []byte) (int, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return 0, fmt.Errorf("parsing url: %w", err)
	}
	q := u.Query()
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Subprotocols:     []string{opts.Protocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("connecting to %s: %w", opts.URL, err)
	}
	defer conn.Close()

	// Surface a policy-violation close from the relay instead of writing
	// into a dead connection.
	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	sent := 0
	send := func() error {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			select {
			case cerr := <-closed:
				return fmt.Errorf("relay closed the connection: %w", cerr)
			case <-time.After(500 * time.Millisecond):
			}
			return fmt.Errorf("sending frame: %w", err)
		}
		sent++
		return nil
	}

	if err := send(); err != nil {
		return sent, err
	}

	if opts.Interval > 0 {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case err := <-closed:
				return sent, fmt.Errorf("relay closed the connection: %w", err)
			case <-ticker.C:
				if err := send(); err != nil {
					return sent, err
				}
			}
		}
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	select {
	case err := <-closed:
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code != websocket.CloseNormalClosure {
			return sent, fmt.Errorf("relay closed the connection: %w", err)
		}
	case <-time.After(time.Second):
	}
	return sent, nil
}
