package questions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/TriviaNFT/trivianft/internal/domain"
)

// Source provides the question pool for a category. Content generation and
// moderation live in the external content service.
type Source interface {
	Pool(ctx context.Context, category string) ([]domain.Question, error)
}

type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPSource(baseURL, serviceToken string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		token:   serviceToken,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSource) Pool(ctx context.Context, category string) ([]domain.Question, error) {
	u := fmt.Sprintf("%s/v1/categories/%s/questions", s.baseURL, url.PathEscape(category))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("questions: new request: %w", err)
	}
	req.Header.Set("X-Service-Token", s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("questions: fetch pool: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("questions: status %d: %s", resp.StatusCode, b)
	}

	var out struct {
		Questions []domain.Question `json:"questions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("questions: decode pool: %w", err)
	}

	return out.Questions, nil
}
