package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"bulk-post-scheduler/internal/ratelimit"
)

// HTTPConfig configures the platform client.
type HTTPConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPSubmitter posts items to the platform's publishing endpoint.
type HTTPSubmitter struct {
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	stager   *MediaStager
	classify ratelimit.Classifier
}

// NewHTTPSubmitter builds a client. stager may be nil.
func NewHTTPSubmitter(cfg HTTPConfig, stager *MediaStager, classify ratelimit.Classifier) *HTTPSubmitter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if classify == nil {
		classify = ratelimit.DefaultClassifier
	}
	return &HTTPSubmitter{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		stager:   stager,
		classify: classify,
	}
}

type postBody struct {
	Caption     string     `json:"caption"`
	Hashtags    []string   `json:"hashtags,omitempty"`
	Media       []string   `json:"media"`
	PostNow     bool       `json:"post_now"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Submit sends one item. The item id is the idempotency key so a retried
// request never creates a second post.
func (h *HTTPSubmitter) Submit(ctx context.Context, req Request) (Receipt, error) {
	media, err := h.stager.Stage(ctx, req.Item)
	if err != nil {
		if ctx.Err() != nil {
			return Receipt{}, ctx.Err()
		}
		return Receipt{}, Classify(h.classify, err, 0)
	}

	body := postBody{
		Caption:  req.Item.Caption,
		Hashtags: req.Item.Hashtags,
		Media:    media,
		PostNow:  req.PostNow,
	}
	if !req.PostNow && req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		body.ScheduledAt = &at
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Receipt{}, Terminal(errors.Wrap(err, "marshal post"))
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return Receipt{}, err
	}

	endpoint := h.baseURL + "/profiles/" + url.PathEscape(req.ProfileID) + "/posts"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return Receipt{}, Terminal(errors.Wrap(err, "build request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Item.ID)
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Receipt{}, ctx.Err()
		}
		return Receipt{}, Classify(h.classify, errors.Wrap(err, "post item"), 0)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Receipt{}, Terminal(errors.Wrap(err, "read response"))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		serr := &statusError{op: "post item", code: resp.StatusCode, body: strings.TrimSpace(string(payload))}
		return Receipt{}, Classify(h.classify, serr, resp.StatusCode)
	}

	var receipt Receipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return Receipt{}, Terminal(errors.Wrap(err, "decode receipt"))
	}
	if receipt.PostID == "" {
		return Receipt{}, Terminal(errors.New("platform returned no post id"))
	}
	return receipt, nil
}
