/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
)

const (
	// DefaultBaseURL is the beta graph endpoint; the registry collection is not on v1.0.
	DefaultBaseURL  = "https://graph.microsoft.com/beta"
	defaultPageSize = 100
	userAgent       = "fleetreconcile"

	managementPath = "/deviceManagement/managedDevices"
	registryPath   = "/deviceManagement/windowsAutopilotDeviceIdentities"
	directoryPath  = "/devices"
)

// Config holds the graph endpoint settings.
type Config struct {
	BaseURL        string `json:"base_url" yaml:"base_url" toml:"base_url"`
	PageSize       int    `json:"page_size" yaml:"page_size" toml:"page_size"`
	SerialIDPrefix string `json:"serial_id_prefix" yaml:"serial_id_prefix" toml:"serial_id_prefix"`
}

// GraphClient implements Client against the graph REST surface.
type GraphClient struct {
	cfg        Config
	httpClient HTTPClient
	tokens     TokenProvider
	observer   APIObserver
	logger     logger.Logger
}

// Option customizes a GraphClient.
type Option func(*GraphClient)

// WithObserver reports every call to o.
func WithObserver(o APIObserver) Option {
	return func(c *GraphClient) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewGraphClient builds a client. Zero-valued config fields take defaults.
func NewGraphClient(cfg Config, httpClient HTTPClient, tokens TokenProvider, log logger.Logger, opts ...Option) *GraphClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	if cfg.SerialIDPrefix == "" {
		cfg.SerialIDPrefix = DefaultSerialIDPrefix
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	c := &GraphClient{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		observer:   noopObserver{},
		logger:     log,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func collectionPath(kind models.ServiceKind) (string, error) {
	switch kind {
	case models.ServiceManagement:
		return managementPath, nil
	case models.ServiceRegistry:
		return registryPath, nil
	case models.ServiceDirectory:
		return directoryPath, nil
	default:
		return "", fmt.Errorf("%w: %d", models.ErrUnknownService, kind)
	}
}

func (c *GraphClient) url(path string, query url.Values) string {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return u
}

// ListAll implements Client.
func (c *GraphClient) ListAll(ctx context.Context, kind models.ServiceKind, filter string) ([]models.DeviceRecord, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("$top", strconv.Itoa(c.cfg.PageSize))

	if filter != "" {
		q.Set("$filter", filter)
	}

	return c.list(ctx, kind, "list", c.url(path, q), false)
}

// FindBySerial implements Client.
func (c *GraphClient) FindBySerial(ctx context.Context, kind models.ServiceKind, serial string) ([]models.DeviceRecord, error) {
	serial = strings.TrimSpace(serial)
	q := url.Values{}

	switch kind {
	case models.ServiceManagement:
		q.Set("$filter", EqFilter("serialNumber", serial))

		return c.list(ctx, kind, "find_by_serial", c.url(managementPath, q), false)
	case models.ServiceRegistry:
		q.Set("$filter", ContainsFilter("serialNumber", serial))

		return c.list(ctx, kind, "find_by_serial", c.url(registryPath, q), false)
	case models.ServiceDirectory:
		// lambda filters on physicalIds need the advanced query mode
		q.Set("$filter", AnyEqFilter("physicalIds", c.cfg.SerialIDPrefix+serial))
		q.Set("$count", "true")

		return c.list(ctx, kind, "find_by_serial", c.url(directoryPath, q), true)
	default:
		return nil, fmt.Errorf("%w: %d", models.ErrUnknownService, kind)
	}
}

// FindByName implements Client.
func (c *GraphClient) FindByName(ctx context.Context, kind models.ServiceKind, name string) ([]models.DeviceRecord, error) {
	name = strings.TrimSpace(name)
	q := url.Values{}

	switch kind {
	case models.ServiceManagement:
		q.Set("$filter", EqFilter("deviceName", name))

		return c.list(ctx, kind, "find_by_name", c.url(managementPath, q), false)
	case models.ServiceRegistry:
		// the registry only supports contains on displayName
		q.Set("$filter", ContainsFilter("displayName", name))

		records, err := c.list(ctx, kind, "find_by_name", c.url(registryPath, q), false)
		if err != nil {
			return nil, err
		}

		exact := records[:0]

		for _, rec := range records {
			if strings.EqualFold(strings.TrimSpace(rec.DisplayName), name) {
				exact = append(exact, rec)
			}
		}

		return exact, nil
	case models.ServiceDirectory:
		q.Set("$filter", EqFilter("displayName", name))

		return c.list(ctx, kind, "find_by_name", c.url(directoryPath, q), false)
	default:
		return nil, fmt.Errorf("%w: %d", models.ErrUnknownService, kind)
	}
}

// Get implements Client.
func (c *GraphClient) Get(ctx context.Context, kind models.ServiceKind, nativeID string) (*models.DeviceRecord, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, kind, "get", http.MethodGet, c.url(path+"/"+url.PathEscape(nativeID), nil), nil, false)
	if err != nil {
		return nil, err
	}

	rec, err := decodeRecord(kind, body, c.cfg.SerialIDPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s record: %w", kind, err)
	}

	return &rec, nil
}

// Delete implements Client.
func (c *GraphClient) Delete(ctx context.Context, kind models.ServiceKind, nativeID string) error {
	path, err := collectionPath(kind)
	if err != nil {
		return err
	}

	_, err = c.do(ctx, kind, "delete", http.MethodDelete, c.url(path+"/"+url.PathEscape(nativeID), nil), nil, false)

	return err
}

// InvokeWipe implements Client.
func (c *GraphClient) InvokeWipe(ctx context.Context, nativeID string, keepEnrollment, keepUser bool) error {
	body := wipeRequest{KeepEnrollmentData: keepEnrollment, KeepUserData: keepUser}
	target := c.url(managementPath+"/"+url.PathEscape(nativeID)+"/wipe", nil)

	_, err := c.do(ctx, models.ServiceManagement, "wipe", http.MethodPost, target, body, false)

	return err
}

// InvokeSync implements Client.
func (c *GraphClient) InvokeSync(ctx context.Context, nativeID string) error {
	target := c.url(managementPath+"/"+url.PathEscape(nativeID)+"/syncDevice", nil)

	_, err := c.do(ctx, models.ServiceManagement, "sync", http.MethodPost, target, nil, false)

	return err
}

// list follows @odata.nextLink until the collection is exhausted.
func (c *GraphClient) list(ctx context.Context, kind models.ServiceKind, op, first string, advanced bool) ([]models.DeviceRecord, error) {
	records := make([]models.DeviceRecord, 0)
	seen := make(map[string]struct{})
	pages := 0

	for next := first; next != ""; {
		if _, ok := seen[next]; ok {
			return nil, fmt.Errorf("%s %s: %w", kind, op, errPaginationLoop)
		}

		seen[next] = struct{}{}

		body, err := c.do(ctx, kind, op, http.MethodGet, next, nil, advanced)
		if err != nil {
			return nil, err
		}

		var page pageEnvelope
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse %s page: %w", kind, err)
		}

		for _, raw := range page.Value {
			rec, err := decodeRecord(kind, raw, c.cfg.SerialIDPrefix)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s record: %w", kind, err)
			}

			records = append(records, rec)
		}

		pages++
		next = page.NextLink
	}

	c.logger.Debug().
		Str("service", kind.String()).
		Str("operation", op).
		Int("pages", pages).
		Int("records", len(records)).
		Msg("Fetched collection")

	return records, nil
}

// do performs one authenticated call and maps any failure onto the error taxonomy.
func (c *GraphClient) do(
	ctx context.Context, kind models.ServiceKind, op, method, reqURL string, payload any, advanced bool) ([]byte, error) {
	token, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", kind, op, ErrAuthentication, err)
	}

	var body io.Reader = http.NoBody

	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
		}

		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if advanced {
		req.Header.Set("ConsistencyLevel", "eventual")
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observer.ObserveAPICall(kind, op, 0, time.Since(start))

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", kind, op, ctxErr)
		}

		return nil, newTransportError(kind, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)

	c.observer.ObserveAPICall(kind, op, resp.StatusCode, time.Since(start))

	if err != nil {
		return nil, newTransportError(kind, op, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return respBody, nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.tokens.(tokenInvalidator); ok {
			inv.InvalidateToken()
		}
	}

	apiErr := &APIError{
		Service:    kind,
		Operation:  op,
		StatusCode: resp.StatusCode,
		kind:       kindForStatus(resp.StatusCode),
	}

	var envelope errorEnvelope
	if json.Unmarshal(respBody, &envelope) == nil && (envelope.Error.Code != "" || envelope.Error.Message != "") {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(respBody))
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	c.logger.Debug().
		Str("service", kind.String()).
		Str("operation", op).
		Int("status", resp.StatusCode).
		Str("code", apiErr.Code).
		Msg("Request failed")

	return nil, apiErr
}
