package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParamHelpers(t *testing.T) {
	if v := Float32Ptr(0.7); *v != 0.7 {
		t.Errorf("Float32Ptr(0.7) = %v", *v)
	}
	if v := IntPtr(512); *v != 512 {
		t.Errorf("IntPtr(512) = %v", *v)
	}
}

func TestNewOllamaClient_RequiresBaseURL(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "")
	_, err := NewOllamaClient("gpt-oss")
	if err == nil {
		t.Fatal("expected error when OLLAMA_BASE_URL is unset")
	}
}

func TestNewOllamaClient_TrimsTrailingSlash(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://localhost:11434/")
	c, err := NewOllamaClient("gpt-oss")
	if err != nil {
		t.Fatalf("NewOllamaClient: %v", err)
	}
	if c.baseURL != "http://localhost:11434" {
		t.Errorf("baseURL = %q, want trailing slash removed", c.baseURL)
	}
}

func TestNewOllamaClient_ModelFromEnv(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://localhost:11434")
	t.Setenv("OLLAMA_MODEL", "medllama")
	c, err := NewOllamaClient("")
	if err != nil {
		t.Fatalf("NewOllamaClient: %v", err)
	}
	if c.model != "medllama" {
		t.Errorf("model = %q, want medllama", c.model)
	}
}

// newOllamaTestClient points a client at a fake server.
func newOllamaTestClient(srv *httptest.Server, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: srv.Client(),
		baseURL:    srv.URL,
		model:      model,
	}
}

func TestOllamaGenerate_AppliesDefaults(t *testing.T) {
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q, want /api/generate", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "Acetaminophen reduces fever.", Done: true})
	}))
	defer srv.Close()

	c := newOllamaTestClient(srv, "gpt-oss")
	out, err := c.Generate(context.Background(), "what does acetaminophen do", GenerationParams{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "Acetaminophen reduces fever." {
		t.Errorf("Generate = %q", out)
	}
	if got.Stream {
		t.Error("stream should be off for single-shot generation")
	}
	if got.Options["temperature"] != 0.2 {
		t.Errorf("default temperature = %v, want 0.2", got.Options["temperature"])
	}
	if got.Options["top_k"] != float64(20) {
		t.Errorf("default top_k = %v, want 20", got.Options["top_k"])
	}
	if got.Options["num_predict"] != float64(8192) {
		t.Errorf("default num_predict = %v, want 8192", got.Options["num_predict"])
	}
}

func TestOllamaGenerate_HonorsParams(t *testing.T) {
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "ok", Done: true})
	}))
	defer srv.Close()

	c := newOllamaTestClient(srv, "gpt-oss")
	_, err := c.Generate(context.Background(), "p", GenerationParams{
		Temperature: Float32Ptr(0),
		MaxTokens:   IntPtr(64),
		Stop:        []string{"\n\n"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Options["temperature"] != float64(0) {
		t.Errorf("temperature = %v, want explicit 0", got.Options["temperature"])
	}
	if got.Options["num_predict"] != float64(64) {
		t.Errorf("num_predict = %v, want 64", got.Options["num_predict"])
	}
	stops, _ := got.Options["stop"].([]interface{})
	if len(stops) != 1 || stops[0] != "\n\n" {
		t.Errorf("stop = %v", got.Options["stop"])
	}
}

func TestOllamaGenerate_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": `model "nope" not found`})
	}))
	defer srv.Close()

	c := newOllamaTestClient(srv, "nope")
	_, err := c.Generate(context.Background(), "p", GenerationParams{})
	if err == nil {
		t.Fatal("expected error for missing model")
	}
	if !strings.Contains(err.Error(), "ollama pull") {
		t.Errorf("error should tell the operator how to fetch the model, got %q", err)
	}
}

func TestOllamaGenerate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newOllamaTestClient(srv, "gpt-oss")
	_, err := c.Generate(context.Background(), "p", GenerationParams{})
	if err == nil {
		t.Fatal("expected error for 500")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("error = %q, want status in message", err)
	}
}

func TestNewAnthropicClient_RequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewAnthropicClient("claude-3-5-sonnet-20240620"); err == nil {
		// The mounted-secret fallback only fires inside a container.
		t.Skip("a key is mounted in this environment")
	}
}

func TestNewAnthropicClient_ModelDefault(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("CLAUDE_MODEL", "")
	c, err := NewAnthropicClient("")
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}
	if c.model == "" {
		t.Error("model should fall back to a default")
	}
}
