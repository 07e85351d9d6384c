package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Embedder turns text into a vector. Vectors from one embedder must share a
// dimension; they need not be normalized.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder builds the embedder named by kind: "hash" (default) or "openai".
func NewEmbedder(kind string) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "hash":
		return HashEmbedder{}, nil
	case "openai":
		key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		if key == "" {
			return nil, errors.New("openai embeddings require OPENAI_API_KEY")
		}
		return NewOpenAIEmbedder(key, os.Getenv("OPENAI_EMBEDDING_MODEL"), os.Getenv("OPENAI_API_BASE"), 0)
	}
	return nil, fmt.Errorf("unknown embedder %q", kind)
}

const defaultHashDims = 384

// HashEmbedder is a local, deterministic bag-of-terms embedder using signed
// feature hashing. Identifiers are also split on underscores and case changes.
type HashEmbedder struct {
	Dims int
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dims
	if dims <= 0 {
		dims = defaultHashDims
	}
	v := make([]float32, dims+1)
	// Constant component so that text without terms still has a direction.
	v[dims] = 0.05
	for _, term := range terms(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(term))
		sum := f.Sum64()
		idx := int(sum % uint64(dims))
		if sum>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	normalize(v)
	return v, nil
}

func terms(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		lower := strings.ToLower(f)
		out = append(out, lower)
		parts := splitIdentifier(f)
		if len(parts) > 1 {
			for _, p := range parts {
				out = append(out, strings.ToLower(p))
			}
		}
	}
	return out
}

func splitIdentifier(s string) []string {
	var parts []string
	var cur []rune
	prev := rune(0)
	for _, r := range s {
		switch {
		case r == '_':
			if len(cur) > 0 {
				parts = append(parts, string(cur))
			}
			cur = cur[:0]
		case unicode.IsUpper(r) && len(cur) > 0 && !unicode.IsUpper(prev):
			parts = append(parts, string(cur))
			cur = []rune{r}
		default:
			cur = append(cur, r)
		}
		prev = r
	}
	if len(cur) > 0 {
		parts = append(parts, string(cur))
	}
	return parts
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint, caching vectors by text.
type OpenAIEmbedder struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
	cache   *lru.Cache[string, []float32]
}

func NewOpenAIEmbedder(apiKey, model, baseURL string, cacheSize int) (*OpenAIEmbedder, error) {
	if model == "" {
		model = "text-embedding-3-small"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &OpenAIEmbedder{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		cache:   cache,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return v, nil
	}
	body, err := json.Marshal(map[string]any{"model": e.Model, "input": []string{text}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.APIKey)
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings API error %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, errors.New("embeddings API returned no vector")
	}
	v := out.Data[0].Embedding
	e.cache.Add(text, v)
	return v, nil
}
