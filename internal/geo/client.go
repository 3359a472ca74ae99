// Package geo implements the external service-area membership lookup
// consumed by the IN_SERVICE_AREA predicate operator.
package geo

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/civiform/formflow/internal/common/config"
	apperrors "github.com/civiform/formflow/internal/common/errors"
	httpclient "github.com/civiform/formflow/internal/common/http"
	"github.com/civiform/formflow/internal/common/logger"
	"github.com/civiform/formflow/internal/models"
)

// Client resolves addresses against the geo service. It implements
// predicate.ServiceAreaResolver.
type Client struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
	logger  logger.Logger
}

func NewClient(cfg config.GeoConfig, log logger.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    httpclient.NewClient(time.Duration(cfg.Timeout) * time.Millisecond),
		logger:  log.WithFields(map[string]interface{}{"component": "geo"}),
	}
}

type resolveResponse struct {
	ServiceAreas []string `json:"serviceAreas"`
}

// ResolveServiceArea returns the named service areas containing the
// address. Failures come back as SERVICE_AREA_LOOKUP_FAILED so the
// predicate engine can distinguish them from an unanswered question.
func (c *Client) ResolveServiceArea(ctx context.Context, addr models.Address) ([]string, error) {
	q := url.Values{}
	q.Set("street", addr.Street)
	q.Set("city", addr.City)
	q.Set("state", addr.State)
	q.Set("zip", addr.Zip)

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var body resolveResponse
	err := c.http.GetJSON(ctx, fmt.Sprintf("%s/serviceAreas?%s", c.baseURL, q.Encode()), headers, &body)
	if err != nil {
		c.logger.Warn("service area lookup failed", map[string]interface{}{
			"zip":   addr.Zip,
			"error": err.Error(),
		})
		return nil, apperrors.NewServiceAreaLookupFailedError(err)
	}
	return body.ServiceAreas, nil
}
