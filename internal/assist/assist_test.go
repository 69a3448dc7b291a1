package assist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/smartlink/internal/apperr"
	"go.uber.org/zap/zaptest"
)

func translator(t *testing.T, answer func(translateRequest) string) *Client {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/api/groq/translate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		var req translateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(translateResponse{Translated: answer(req)})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(srv.URL, "key", "", srv.Client(), zaptest.NewLogger(t))
}

func TestTranslate(t *testing.T) {
	c := translator(t, func(req translateRequest) string {
		if req.FromLang == "en" && req.ToLang == "pt" && req.Text == "good morning" {
			return " bom dia "
		}
		return req.Text
	})
	got, err := c.Translate(context.Background(), "good morning", "en", "pt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "bom dia" {
		t.Errorf("Translate() = %q", got)
	}
}

func TestTranslateFailureConvention(t *testing.T) {
	tests := []struct {
		name   string
		answer string
	}{
		{"echo", "hello there"},
		{"punctuation", "?!..."},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := translator(t, func(translateRequest) string { return tt.answer })
			_, err := c.Translate(context.Background(), "hello there", "en", "fr")
			if !errors.Is(err, ErrNoTranslation) {
				t.Errorf("error = %v, want ErrNoTranslation", err)
			}
		})
	}
}

func TestTranslateValidation(t *testing.T) {
	c := New("http://127.0.0.1:1", "", "", nil, zaptest.NewLogger(t))
	for _, args := range [][3]string{{"", "en", "pt"}, {"hi", "", "pt"}, {"hi", "en", "en"}} {
		if _, err := c.Translate(context.Background(), args[0], args[1], args[2]); !apperr.IsValidation(err) {
			t.Errorf("Translate(%q) error = %v, want ValidationError", args, err)
		}
	}
}

func TestCompleteStreams(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/groqChat", func(w http.ResponseWriter, r *http.Request) {
		var req completeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/plain")
		for _, part := range []string{"Hello", ", ", req.Messages[len(req.Messages)-1].Content} {
			_, _ = w.Write([]byte(part))
			flusher.Flush()
		}
	})
	srv := httptest.NewServer(r)
	defer srv.Close()
	c := New(srv.URL, "", "llama3", srv.Client(), zaptest.NewLogger(t))

	var chunks []string
	full, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "world"}}, func(s string) {
		chunks = append(chunks, s)
	})
	if err != nil {
		t.Fatal(err)
	}
	if full != "Hello, world" {
		t.Errorf("Complete() = %q", full)
	}
	if strings.Join(chunks, "") != full {
		t.Errorf("chunks %q do not add up to %q", chunks, full)
	}
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := New(srv.URL, "", "", srv.Client(), zaptest.NewLogger(t))

	_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if !apperr.IsRemote(err) {
		t.Errorf("error = %v, want RemoteOperationError", err)
	}
	if _, err := c.Complete(context.Background(), nil, nil); !apperr.IsValidation(err) {
		t.Errorf("empty messages error = %v", err)
	}
}
