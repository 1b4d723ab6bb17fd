// Command mockupstream is an OpenAI-compatible chat completion server for
// local runs. -fail makes every request fail in the given way.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	fail := flag.String("fail", "", "failure mode: 500, 401, 429 or timeout")
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"))
	http.HandleFunc("/v1/chat/completions", handler(*fail, logger))

	logger.Info("mock upstream starting", slog.String("addr", *addr), slog.String("fail", *fail))
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Error("mock upstream stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func handler(fail string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string               `json:"model"`
			Messages []models.ChatMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		logger.Info("completion request",
			slog.String("model", req.Model),
			slog.Int("messages", len(req.Messages)),
			slog.Bool("authorized", r.Header.Get("Authorization") != ""))

		switch fail {
		case "timeout":
			select {
			case <-r.Context().Done():
			case <-time.After(10 * time.Minute):
			}
			return
		case "":
		default:
			code, err := strconv.Atoi(fail)
			if err != nil {
				code = http.StatusInternalServerError
			}
			http.Error(w, fmt.Sprintf(`{"error":{"message":"mock failure %d"}}`, code), code)
			return
		}

		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "mock-" + strconv.FormatInt(time.Now().UnixNano(), 36),
			"model": req.Model,
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]string{
					"role":    models.RoleAssistant,
					"content": fmt.Sprintf("What have you tried so far? (received %d characters)", len([]rune(last))),
				},
				"finish_reason": "stop",
			}},
		})
	}
}
