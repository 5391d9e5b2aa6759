// Command marketfeed-tui is a terminal candle viewer. Adapted from the
// teacher's cmd/client: same bubbletea/lipgloss candle renderer, but it
// consumes a GET /stream/{symbol} SSE feed instead of a gRPC Candle
// stream.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	addr := getEnv("SERVER_ADDR", "http://localhost:8080")
	symbol := getEnv("SYMBOL", "AAPL")
	token := getEnv("TOKEN", "")
	nKline := 120

	ch := make(chan candleEvent)
	go streamCandles(addr, symbol, token, ch)

	p := tea.NewProgram(newModel(symbol, nKline, ch), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("tui: %v", err)
	}
}

// candleEvent mirrors the JSON frame internal/httpapi's SSE handler
// writes: {symbol, candles: {ts: {o,h,l,c,v}}, update_timestamp, is_initial}.
type candleEvent struct {
	Symbol          string                        `json:"symbol"`
	Candles         map[string]map[string]float64 `json:"candles"`
	UpdateTimestamp time.Time                      `json:"update_timestamp"`
	IsInitial       bool                           `json:"is_initial"`
}

// streamCandles connects to the SSE endpoint and retries with a fixed
// backoff on disconnect, mirroring the teacher client's retry loop.
func streamCandles(addr, symbol, token string, ch chan<- candleEvent) {
	url := fmt.Sprintf("%s/stream/%s?token=%s", addr, symbol, token)
	for {
		if err := connectOnce(url, ch); err != nil {
			log.Printf("stream error: %v — retrying in 3s", err)
		}
		time.Sleep(3 * time.Second)
	}
}

func connectOnce(url string, ch chan<- candleEvent) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt candleEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			log.Printf("stream: decode frame: %v", err)
			continue
		}
		ch <- evt
	}
	return scanner.Err()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
