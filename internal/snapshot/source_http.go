package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
)

// DefaultPageSize is the page size requested from paginated endpoints.
const DefaultPageSize = 100

// HTTPSource reads a subject from a REST API shaped like
//
//	GET {base}/subjects/{id}
//	GET {base}/subjects/{id}/roles?limit=N&after=ID
//	GET {base}/subjects/{id}/channels?limit=N&after=ID
//
// Collections are paged with an id cursor until a short page is returned.
type HTTPSource struct {
	BaseURL     string
	Token       string
	TokenPrefix string
	PageSize    int
	Client      *http.Client
}

// NewHTTPSource creates a source with default paging and a bounded client.
func NewHTTPSource(baseURL, token string) *HTTPSource {
	return &HTTPSource{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Token:       token,
		TokenPrefix: "Bot",
		PageSize:    DefaultPageSize,
		Client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPSource) Subject(ctx context.Context, subjectID string) (RawSubject, error) {
	var out RawSubject
	err := s.get(ctx, "/subjects/"+url.PathEscape(subjectID), nil, &out)
	return out, err
}

func (s *HTTPSource) Roles(ctx context.Context, subjectID string) ([]RawRole, error) {
	return paginate(ctx, s, "/subjects/"+url.PathEscape(subjectID)+"/roles", func(r RawRole) string { return r.ID })
}

func (s *HTTPSource) Channels(ctx context.Context, subjectID string) ([]RawChannel, error) {
	return paginate(ctx, s, "/subjects/"+url.PathEscape(subjectID)+"/channels", func(c RawChannel) string { return c.ID })
}

func paginate[T any](ctx context.Context, s *HTTPSource, path string, id func(T) string) ([]T, error) {
	limit := s.PageSize
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var (
		all   []T
		after string
	)
	for {
		q := url.Values{"limit": {strconv.Itoa(limit)}}
		if after != "" {
			q.Set("after", after)
		}
		var page []T
		if err := s.get(ctx, path, q, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < limit {
			return all, nil
		}
		next := id(page[len(page)-1])
		if next == "" || next == after {
			return nil, apperr.New(apperr.UpstreamUnavailable, "pagination of %s did not advance", path)
		}
		after = next
	}
}

func (s *HTTPSource) get(ctx context.Context, path string, q url.Values, out any) error {
	u := s.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if s.Token != "" {
		auth := s.Token
		if s.TokenPrefix != "" {
			auth = s.TokenPrefix + " " + s.Token
		}
		req.Header.Set("Authorization", auth)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, err, "GET %s", path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(apperr.NotFound, "%s not found upstream", path)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.New(apperr.UpstreamUnavailable, "GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, err, "decode %s", path)
	}
	return nil
}

var _ Source = (*HTTPSource)(nil)

// String identifies the source in logs.
func (s *HTTPSource) String() string {
	return fmt.Sprintf("http(%s)", s.BaseURL)
}
