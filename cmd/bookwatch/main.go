// Command bookwatch tails a running gateway's websocket stream and
// prints every envelope on the chosen topics. Handy for eyeballing
// ticker, depth and trade traffic without a frontend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "gateway websocket URL")
	topics := flag.String("topics", "ticker.BTC-USD,trades.BTC-USD", "comma-separated topics")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *addr, nil)
	if err != nil {
		slog.Error("DIAL_FAILED", slog.String("addr", *addr), slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()

	sub := struct {
		Op     string   `json:"op"`
		Topics []string `json:"topics"`
	}{Op: "subscribe", Topics: strings.Split(*topics, ",")}
	if err := conn.WriteJSON(sub); err != nil {
		slog.Error("SUBSCRIBE_FAILED", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("WATCHING", slog.Any("topics", sub.Topics))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("READ_FAILED", slog.Any("error", err))
			os.Exit(1)
		}
		// The hub batches queued envelopes newline-separated.
		for _, line := range strings.Split(string(msg), "\n") {
			if line != "" {
				fmt.Println(line)
			}
		}
	}
}
