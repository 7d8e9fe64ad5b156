package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	restSubscriptionsPath = "/api/v1/subscriptions.get"
	restRoomsPath         = "/api/v1/rooms.get"
	restSpotlightPath     = "/api/v1/spotlight"
	maxRESTResponseBytes  = 32 << 20
)

var (
	errMissingBaseURL      = errors.New("base url is required")
	errMissingCredentials  = errors.New("rest credentials are not available yet")
	errUnsupportedMethod   = errors.New("method has no rest endpoint")
	errUnsuccessfulRequest = errors.New("server reported an unsuccessful request")
)

// Credentials supplies the REST auth headers. The user id is usually only
// known after the realtime login, hence the function.
type Credentials func() (userID, token string)

// RESTConfig configures the HTTP fallback caller.
type RESTConfig struct {
	BaseURL     string
	Credentials Credentials
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// RESTCaller serves the reconciliation and search methods over the server's
// REST API, so they keep working while the realtime socket is down.
type RESTCaller struct {
	baseURL     *url.URL
	credentials Credentials
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewRESTCaller constructs the REST caller. ws and wss base URLs are mapped to
// http and https.
func NewRESTCaller(cfg RESTConfig) (*RESTCaller, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	switch base.Scheme {
	case "ws":
		base.Scheme = "http"
	case "wss":
		base.Scheme = "https"
	}
	base.Path = strings.TrimSuffix(strings.TrimSuffix(base.Path, "/websocket"), "/")
	base.RawQuery = ""

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTCaller{
		baseURL:     base,
		credentials: cfg.Credentials,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Call implements Caller for the methods that have a REST equivalent.
func (c *RESTCaller) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	path, query, err := restRequest(method, params)
	if err != nil {
		return nil, &rooms.TransportError{Operation: method, Err: err}
	}
	if c.credentials == nil {
		return nil, &rooms.TransportError{Operation: method, Err: errMissingCredentials}
	}
	userID, token := c.credentials()
	if userID == "" || token == "" {
		return nil, &rooms.TransportError{Operation: method, Err: errMissingCredentials}
	}

	endpoint := *c.baseURL
	endpoint.Path += path
	endpoint.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return nil, &rooms.TransportError{Operation: method, Err: err}
	}
	request.Header.Set("X-User-Id", userID)
	request.Header.Set("X-Auth-Token", token)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &rooms.TransportError{Operation: method, Err: err}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxRESTResponseBytes))
	if err != nil {
		return nil, &rooms.TransportError{Operation: method, Err: err}
	}
	if response.StatusCode != http.StatusOK {
		return nil, &rooms.TransportError{
			Operation: method,
			Err:       fmt.Errorf("status %d: %s", response.StatusCode, gjson.GetBytes(body, "error").String()),
		}
	}
	parsed := gjson.ParseBytes(body)
	if success := parsed.Get("success"); success.Exists() && !success.Bool() {
		return nil, &rooms.TransportError{Operation: method, Err: errUnsuccessfulRequest}
	}
	c.logger.Debug("rest call completed", zap.String("method", method), zap.Int("bytes", len(body)))
	return json.RawMessage(body), nil
}

func restRequest(method string, params []any) (string, url.Values, error) {
	query := url.Values{}
	switch method {
	case MethodSubscriptionsGet, MethodRoomsGet:
		path := restSubscriptionsPath
		if method == MethodRoomsGet {
			path = restRoomsPath
		}
		if len(params) > 0 {
			if stamp, ok := params[0].(rooms.Timestamp); ok {
				query.Set("updatedSince", stamp.Time().Format(time.RFC3339Nano))
			}
		}
		return path, query, nil
	case MethodSpotlight:
		if len(params) == 0 {
			return "", nil, fmt.Errorf("%w: spotlight needs a keyword", errUnsupportedMethod)
		}
		keyword, _ := params[0].(string)
		query.Set("query", keyword)
		return restSpotlightPath, query, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", errUnsupportedMethod, method)
	}
}

// Failover sends calls to Primary and retries them on Secondary when
// Primary reports that it is not connected.
type Failover struct {
	Primary   Caller
	Secondary Caller
	IsOffline func(error) bool
	Logger    *zap.Logger
}

// Call implements Caller.
func (f Failover) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	raw, err := f.Primary.Call(ctx, method, params...)
	if err == nil || f.Secondary == nil || f.IsOffline == nil || !f.IsOffline(err) {
		return raw, err
	}
	if f.Logger != nil {
		f.Logger.Debug("realtime offline, using rest", zap.String("method", method))
	}
	return f.Secondary.Call(ctx, method, params...)
}
