package freemodels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func catalogServer(t *testing.T, hits *atomic.Int64, models []Model) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		_ = json.NewEncoder(w).Encode(listResponse{Data: models})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func freeModel(id string, ctxLen int) Model {
	return Model{ID: id, Name: id, ContextLength: ctxLen, Pricing: Pricing{Prompt: "0", Completion: "0"}}
}

func TestGetFreeModelsFiltersPaid(t *testing.T) {
	srv := catalogServer(t, nil, []Model{
		freeModel("meta-llama/llama-3.3-70b:free", 128000),
		{ID: "openai/gpt-4o", Pricing: Pricing{Prompt: "0.0000025", Completion: "0.00001"}},
		{ID: "openrouter/auto", Pricing: Pricing{Prompt: "0", Completion: "0"}},
	})
	s := NewService("", srv.URL, time.Hour)

	models, err := s.GetFreeModels(context.Background())
	if err != nil {
		t.Fatalf("get free models: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("models = %d, want 1 (paid and auto excluded)", len(models))
	}
	if models[0].ID != "meta-llama/llama-3.3-70b:free" {
		t.Fatalf("model = %s", models[0].ID)
	}
}

func TestGetFreeModelsCaches(t *testing.T) {
	var hits atomic.Int64
	srv := catalogServer(t, &hits, []Model{freeModel("a/b:free", 8000)})
	s := NewService("", srv.URL, time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := s.GetFreeModels(context.Background()); err != nil {
			t.Fatalf("get free models: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("api hits = %d, want 1 (cached)", hits.Load())
	}
}

func TestGetFreeModelsServesStaleOnFetchFailure(t *testing.T) {
	srv := catalogServer(t, nil, []Model{freeModel("a/b:free", 8000)})
	s := NewService("", srv.URL, time.Hour)
	if _, err := s.GetFreeModels(context.Background()); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	srv.Close()
	s.lastFetch = time.Time{} // force refresh
	models, err := s.GetFreeModels(context.Background())
	if err != nil {
		t.Fatalf("stale serve: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("models = %d, want stale cache", len(models))
	}
}

func TestPickBestPrefersCoderForCodeTasks(t *testing.T) {
	srv := catalogServer(t, nil, []Model{
		freeModel("meta-llama/llama-3.1-8b:free", 128000),
		freeModel("qwen/qwen-2.5-coder-32b:free", 32000),
	})
	s := NewService("", srv.URL, time.Hour)

	got, err := s.PickBest(context.Background(), TaskTypeCode)
	if err != nil {
		t.Fatalf("pick best: %v", err)
	}
	if got != "qwen/qwen-2.5-coder-32b:free" {
		t.Fatalf("pick = %s, want the coder model", got)
	}
}

func TestPickBestPrefersReasoningFamilies(t *testing.T) {
	srv := catalogServer(t, nil, []Model{
		freeModel("mistralai/mistral-7b:free", 32000),
		freeModel("deepseek/deepseek-r1:free", 64000),
	})
	s := NewService("", srv.URL, time.Hour)

	got, err := s.PickBest(context.Background(), TaskTypeReasoning)
	if err != nil {
		t.Fatalf("pick best: %v", err)
	}
	if got != "deepseek/deepseek-r1:free" {
		t.Fatalf("pick = %s, want the reasoning model", got)
	}
}

func TestPickBestTieBreaksOnContextLength(t *testing.T) {
	srv := catalogServer(t, nil, []Model{
		freeModel("mistralai/mistral-7b:free", 32000),
		freeModel("mistralai/mistral-small:free", 131072),
	})
	s := NewService("", srv.URL, time.Hour)

	got, err := s.PickBest(context.Background(), TaskTypeGeneral)
	if err != nil {
		t.Fatalf("pick best: %v", err)
	}
	if got != "mistralai/mistral-small:free" {
		t.Fatalf("pick = %s, want the larger context", got)
	}
}

func TestPickBestSkipsFailedModels(t *testing.T) {
	srv := catalogServer(t, nil, []Model{
		freeModel("a/one:free", 8000),
		freeModel("a/two:free", 8000),
	})
	s := NewService("", srv.URL, time.Hour)

	first, err := s.PickBest(context.Background(), TaskTypeGeneral)
	if err != nil {
		t.Fatalf("pick best: %v", err)
	}
	s.MarkFailed(first)

	second, err := s.PickBest(context.Background(), TaskTypeGeneral)
	if err != nil {
		t.Fatalf("pick best: %v", err)
	}
	if second == first {
		t.Fatalf("picked failed model %s again", second)
	}

	s.MarkFailed(second)
	exhausted, err := s.PickBest(context.Background(), TaskTypeGeneral)
	if err != nil {
		t.Fatalf("pick best: %v", err)
	}
	if exhausted != "" {
		t.Fatalf("pick = %s, want empty when all failed", exhausted)
	}
}

func TestRefreshClearsFailureMemory(t *testing.T) {
	srv := catalogServer(t, nil, []Model{freeModel("a/one:free", 8000)})
	s := NewService("", srv.URL, time.Hour)

	s.MarkFailed("a/one:free")
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, err := s.PickBest(context.Background(), TaskTypeGeneral)
	if err != nil {
		t.Fatalf("pick best: %v", err)
	}
	if got != "a/one:free" {
		t.Fatalf("pick = %s, failure memory should clear on refresh", got)
	}
}
