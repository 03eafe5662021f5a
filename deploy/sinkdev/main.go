// Command sinkdev is a local stand-in for the chat platform's outbound
// endpoint. It accepts the sender's POSTs, prints each message, and exposes
// delivery counters so a local compose stack can graph outbound traffic.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sinkdev_messages_total",
			Help: "Outbound messages received per chat",
		},
		[]string{"chat_id"},
	)
	failNext = flag.Int("fail-next", 0, "respond 503 to the first N messages (retry testing)")
)

func init() {
	prometheus.MustRegister(messagesTotal)
}

type outboundMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	flag.Parse()

	remaining := *failNext

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var msg outboundMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if remaining > 0 {
			remaining--
			log.Printf("[sinkdev] simulated failure for chat=%s (%d left)", msg.ChatID, remaining)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		messagesTotal.WithLabelValues(msg.ChatID).Inc()
		fmt.Printf("[%s] chat=%s\n%s\n\n", time.Now().Format("15:04:05"), msg.ChatID, msg.Text)
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("sinkdev listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux)) //nolint:gosec // Local dev tool.
}
