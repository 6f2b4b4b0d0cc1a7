package scorer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/guardian-supervisor/guardian/internal/intent"
)

func TestHTTPScorer_DegradesWhenUnconfigured(t *testing.T) {
	s := NewHTTPScorer(Config{}, nil)
	r := s.Score(context.Background(), &intent.Intent{})
	if r.Score != 0 || r.Reasons != nil || r.Rewrite != nil {
		t.Fatalf("expected zero Result when unconfigured, got %+v", r)
	}
}

func TestHTTPScorer_ParsesMarkdownFencedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{
			{Message: struct {
				Content string `json:"content"`
			}{Content: "```json\n{\"score\": 0.95, \"reasons\": [\"looks risky\"], \"rewrite\": null}\n```"}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := NewHTTPScorer(Config{BaseURL: srv.URL, APIKey: "test-key"}, nil)
	r := s.Score(context.Background(), &intent.Intent{Action: intent.Action{Type: "http.request"}})
	if r.Score != 0.95 {
		t.Fatalf("expected score 0.95, got %v", r.Score)
	}
	if len(r.Reasons) != 1 || r.Reasons[0] != "looks risky" {
		t.Fatalf("expected reasons to be parsed, got %v", r.Reasons)
	}
}

func TestHTTPScorer_ClampsScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"score\": 5.0, \"reasons\": []}"}}]}`))
	}))
	defer srv.Close()

	s := NewHTTPScorer(Config{BaseURL: srv.URL, APIKey: "test-key"}, nil)
	r := s.Score(context.Background(), &intent.Intent{})
	if r.Score != 1.0 {
		t.Fatalf("expected score clamped to 1.0, got %v", r.Score)
	}
}

func TestHTTPScorer_DegradesOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPScorer(Config{BaseURL: srv.URL, APIKey: "test-key"}, nil)
	r := s.Score(context.Background(), &intent.Intent{})
	if r.Score != 0 {
		t.Fatalf("expected degrade to zero score on server error, got %v", r)
	}
}

func TestDisabled_AlwaysZero(t *testing.T) {
	var s Scorer = Disabled{}
	r := s.Score(context.Background(), &intent.Intent{})
	if r.Score != 0 || r.Reasons != nil || r.Rewrite != nil {
		t.Fatalf("expected zero Result, got %+v", r)
	}
}
