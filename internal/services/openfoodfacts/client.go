// Package openfoodfacts is the client of the Open Food Facts product API.
package openfoodfacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/xelth-com/foodlens/internal/config"
	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/models"
)

const maxErrorBody = 512

// CredentialProvider supplies the account used for writes.
// It returns nil when no credentials are configured.
type CredentialProvider interface {
	Credentials(ctx context.Context) (*models.APICredentials, error)
}

// StaticCredentials is a CredentialProvider over fixed values
type StaticCredentials models.APICredentials

func (s StaticCredentials) Credentials(context.Context) (*models.APICredentials, error) {
	c := models.APICredentials(s)
	if !c.Valid() {
		return nil, nil
	}
	return &c, nil
}

// Client represents an Open Food Facts API client
type Client struct {
	BaseURL    string
	UserAgent  string
	HttpClient *http.Client

	credentials CredentialProvider
	writeLimit  *rate.Limiter
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// NewClient creates a new Open Food Facts client
func NewClient(cfg config.APIConfig, credentials CredentialProvider, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.WriteInterval <= 0 {
		cfg.WriteInterval = time.Second
	}
	if credentials == nil {
		credentials = StaticCredentials{Username: cfg.Username, Password: cfg.Password}
	}
	return &Client{
		BaseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		UserAgent:   cfg.UserAgent,
		HttpClient:  &http.Client{Timeout: cfg.Timeout},
		credentials: credentials,
		writeLimit:  rate.NewLimiter(rate.Every(cfg.WriteInterval), 1),
		logger:      logging.OrDiscard(logger),
		sleep:       sleepContext,
		now:         time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetProduct fetches a product by barcode. A missing product is a NotFound error.
func (c *Client) GetProduct(ctx context.Context, barcode string) (*ExternalProduct, error) {
	var resp ProductResponse
	path := fmt.Sprintf("/api/v0/product/%s.json", url.PathEscape(barcode))
	if err := c.getJSON(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status == 0 || resp.Product == nil {
		return nil, apperrors.Newf(apperrors.KindNotFound, "product %s not found upstream", barcode)
	}
	if resp.Product.Code == "" {
		resp.Product.Code = barcode
	}
	return resp.Product, nil
}

// Categories returns the category facet
func (c *Client) Categories(ctx context.Context) (*TagList, error) {
	var out TagList
	if err := c.getJSON(ctx, "/categories.json", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Brands returns the brand facet
func (c *Client) Brands(ctx context.Context) (*TagList, error) {
	var out TagList
	if err := c.getJSON(ctx, "/brands.json", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PopularProducts returns one page of products sorted by sortBy
func (c *Client) PopularProducts(ctx context.Context, page, pageSize int, sortBy string) (*SearchResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if sortBy == "" {
		sortBy = "unique_scans_n"
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	q.Set("sort_by", sortBy)
	q.Set("fields", "code,product_name,brands,nutriscore_grade,nova_group,labels_tags,image_url,categories_tags")

	var out SearchResult
	if err := c.getJSON(ctx, "/api/v2/search", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ingredient looks up one ingredient of the taxonomy, e.g. "en:palm-oil"
func (c *Client) Ingredient(ctx context.Context, id string) (*Ingredient, error) {
	q := url.Values{}
	q.Set("tagtype", "ingredients")
	q.Set("tags", id)
	q.Set("fields", "name,parents,vegan")

	body, err := c.get(ctx, "/api/v2/taxonomy", q)
	if err != nil {
		return nil, err
	}
	entries, err := decodeTaxonomy(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindNetwork, "decode taxonomy response", err)
	}
	entry, ok := entries[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindNotFound, "ingredient %s not found", id)
	}
	ing := &Ingredient{ID: id, Name: entry.Name, Parents: entry.Parents}
	if v, ok := entry.Vegan["en"]; ok {
		ing.Vegan = v
	}
	return ing, nil
}

// SubmitProduct creates a product upstream with the given fields
func (c *Client) SubmitProduct(ctx context.Context, barcode string, fields map[string]string) error {
	return c.writeProduct(ctx, "submit", barcode, fields)
}

// UpdateProduct edits fields of an existing upstream product
func (c *Client) UpdateProduct(ctx context.Context, barcode string, fields map[string]string) error {
	return c.writeProduct(ctx, "update", barcode, fields)
}

func (c *Client) writeProduct(ctx context.Context, action, barcode string, fields map[string]string) error {
	creds, err := c.requireCredentials(ctx)
	if err != nil {
		return err
	}

	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	form.Set("code", barcode)
	form.Set("user_id", creds.Username)
	form.Set("password", creds.Password)
	encoded := form.Encode()

	body, err := c.write(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/cgi/product_jqm2.pl", strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return err
	}
	if err := checkWrite(body); err != nil {
		return err
	}
	c.logger.Info("product written upstream", slog.String("action", action), slog.String("barcode", barcode))
	return nil
}

// UploadImage attaches an image to a product. field is front, ingredients, nutrition or packaging.
func (c *Client) UploadImage(ctx context.Context, barcode, field, filename string, data []byte) error {
	creds, err := c.requireCredentials(ctx)
	if err != nil {
		return err
	}
	if field == "" {
		field = "front"
	}
	if filename == "" {
		filename = barcode + ".jpg"
	}
	imageField := field + "_en"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("code", barcode)
	_ = mw.WriteField("imagefield", imageField)
	_ = mw.WriteField("user_id", creds.Username)
	_ = mw.WriteField("password", creds.Password)
	part, err := mw.CreateFormFile("imgupload_"+imageField, filename)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "build image upload", err)
	}
	if _, err := part.Write(data); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "build image upload", err)
	}
	if err := mw.Close(); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "build image upload", err)
	}
	payload, contentType := buf.Bytes(), mw.FormDataContentType()

	body, err := c.write(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/cgi/product_image_upload.pl", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return err
	}
	if err := checkWrite(body); err != nil {
		return err
	}
	c.logger.Info("image uploaded", slog.String("barcode", barcode), slog.String("field", imageField))
	return nil
}

func checkWrite(body []byte) error {
	var resp writeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// Some write endpoints answer with HTML on success
		return nil
	}
	if resp.Status == 0 && resp.StatusVerbose != "" {
		if strings.Contains(strings.ToLower(resp.StatusVerbose), "password") {
			return apperrors.New(apperrors.KindAuthentication, resp.StatusVerbose)
		}
		return apperrors.New(apperrors.KindValidation, resp.StatusVerbose)
	}
	return nil
}

func (c *Client) requireCredentials(ctx context.Context) (*models.APICredentials, error) {
	creds, err := c.credentials.Credentials(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindAuthentication, "load API credentials", err)
	}
	if !creds.Valid() {
		return nil, apperrors.New(apperrors.KindAuthentication, "API credentials are not configured")
	}
	return creds, nil
}

// write spaces writes by the configured interval before sending
func (c *Client) write(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	if err := c.writeLimit.Wait(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.KindNetwork, "wait for write slot", err)
	}
	return c.do(ctx, build)
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Wrap(apperrors.KindNetwork, "decode "+path, err)
	}
	return nil
}

// do sends the request built by build. A 429 response is retried once after the
// server supplied delay.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "build request", err)
		}
		if c.UserAgent != "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HttpClient.Do(req)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindNetwork, req.Method+" "+req.URL.Path, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
			if attempt > 0 {
				return nil, &apperrors.AppError{
					Kind:       apperrors.KindRateLimited,
					Message:    fmt.Sprintf("%s %s rate limited", req.Method, req.URL.Path),
					RetryAfter: wait,
				}
			}
			c.logger.Warn("rate limited, retrying after server delay",
				slog.String("path", req.URL.Path),
				slog.Duration("retryAfter", wait))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, apperrors.Wrap(apperrors.KindNetwork, "rate limit wait interrupted", err)
			}
			continue
		}

		if readErr != nil {
			return nil, apperrors.Wrap(apperrors.KindNetwork, "read response", readErr)
		}
		if err := statusError(req, resp.StatusCode, body); err != nil {
			return nil, err
		}
		return body, nil
	}
}

func statusError(req *http.Request, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	msg := fmt.Sprintf("%s %s: HTTP %d, response: %s", req.Method, req.URL.Path, status, strings.TrimSpace(string(body)))
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.New(apperrors.KindAuthentication, msg)
	case http.StatusNotFound:
		return apperrors.New(apperrors.KindNotFound, msg)
	default:
		return apperrors.New(apperrors.KindNetwork, msg)
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
// Unparseable or missing values fall back to one second.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return time.Second
}
