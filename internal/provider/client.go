package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"deskmeter/internal/logging"
	"deskmeter/internal/model"
)

// APIError is a non-zero RetCode or an HTTP error status from the provider.
type APIError struct {
	StatusCode int
	RetCode    int
	Message    string
}

func (e *APIError) Error() string {
	if e.RetCode != 0 {
		return fmt.Sprintf("provider returned RetCode %d: %s", e.RetCode, e.Message)
	}
	return fmt.Sprintf("provider returned status: %d", e.StatusCode)
}

// retCodeNotFound is what Describe returns for an unknown or terminated host.
const retCodeNotFound = 8039

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Zone    string
	ImageID string
	Timeout time.Duration

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// BreakerDelay is how long the breaker stays open before probing again.
	BreakerDelay time.Duration

	Logger logging.Logger
}

// Client is the HTTP implementation of Provider. Every call is an action
// POSTed as JSON to BaseURL. Idempotent actions are retried on transport
// errors, 5xx and 429; CreateInstance is never retried.
type Client struct {
	cfg      ClientConfig
	client   *http.Client
	retrying failsafe.Executor[*http.Response]
	once     failsafe.Executor[*http.Response]
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode >= 500)
		}).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			cfg.Logger.WithFields(logging.Fields{
				"from_state": e.OldState,
				"to_state":   e.NewState,
			}).Warn("provider circuit breaker state change")
		}).
		Build()

	//nolint:bodyclose
	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(shouldRetry).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		Build()

	return &Client{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		retrying: failsafe.With(retry, breaker),
		once:     failsafe.With(breaker),
	}
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

type ipEntry struct {
	IP string `json:"IP"`
}

type hostInfo struct {
	UHostId  string    `json:"UHostId"`
	Name     string    `json:"Name"`
	State    string    `json:"State"`
	IPSet    []ipEntry `json:"IPSet"`
	Password string    `json:"Password"`
}

type apiResponse struct {
	RetCode  int        `json:"RetCode"`
	Message  string     `json:"Message"`
	UHostIds []string   `json:"UHostIds"`
	UHostSet []hostInfo `json:"UHostSet"`
}

func (c *Client) CreateInstance(ctx context.Context, spec model.InstanceSpec) (*Instance, error) {
	params := map[string]any{
		"Zone":             c.cfg.Zone,
		"MachineType":      "G",
		"CompShareImageId": c.cfg.ImageID,
		"GPU":              1,
		"GpuType":          spec.GPUType,
		"CPU":              spec.CPUCores,
		"Memory":           spec.MemoryGB * 1024,
		"ChargeType":       "Postpay",
		"Disks": []map[string]any{
			{"IsBoot": true, "Size": spec.StorageGB, "Type": "CLOUD_SSD"},
		},
		"Name": spec.InstanceName,
	}
	resp, err := c.call(ctx, c.once, "CreateCompShareInstance", params)
	if err != nil {
		return nil, err
	}
	if len(resp.UHostIds) == 0 {
		return nil, fmt.Errorf("create returned no instance id")
	}

	inst, err := c.DescribeInstance(ctx, resp.UHostIds[0])
	if err != nil {
		// The instance exists; hand back its id so the caller can clean it up.
		return &Instance{ID: resp.UHostIds[0]}, fmt.Errorf("describe new instance %s: %w", resp.UHostIds[0], err)
	}
	return inst, nil
}

func (c *Client) StartInstance(ctx context.Context, instanceID string) (*Instance, error) {
	if _, err := c.call(ctx, c.retrying, "StartCompShareInstance", c.hostParams(instanceID)); err != nil {
		return nil, err
	}
	return c.DescribeInstance(ctx, instanceID)
}

func (c *Client) StopInstance(ctx context.Context, instanceID string) error {
	_, err := c.call(ctx, c.retrying, "StopCompShareInstance", c.hostParams(instanceID))
	return err
}

func (c *Client) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := c.call(ctx, c.retrying, "TerminateCompShareInstance", c.hostParams(instanceID))
	return err
}

func (c *Client) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	resp, err := c.call(ctx, c.retrying, "DescribeCompShareInstance", map[string]any{
		"UHostIds": []string{instanceID},
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetCode == retCodeNotFound {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	if len(resp.UHostSet) == 0 {
		return nil, ErrInstanceNotFound
	}
	return toInstance(resp.UHostSet[0])
}

// describePageSize bounds one zone listing when searching by name.
const describePageSize = 100

func (c *Client) FindInstanceByName(ctx context.Context, name string) (*Instance, error) {
	for offset := 0; ; offset += describePageSize {
		resp, err := c.call(ctx, c.retrying, "DescribeCompShareInstance", map[string]any{
			"Zone":   c.cfg.Zone,
			"Offset": offset,
			"Limit":  describePageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, h := range resp.UHostSet {
			if h.Name == name && InstanceState(h.State) != StateTerminated {
				return toInstance(h)
			}
		}
		if len(resp.UHostSet) < describePageSize {
			return nil, ErrInstanceNotFound
		}
	}
}

func (c *Client) hostParams(instanceID string) map[string]any {
	return map[string]any{"Zone": c.cfg.Zone, "UHostId": instanceID}
}

func (c *Client) call(ctx context.Context, executor failsafe.Executor[*http.Response], action string, params map[string]any) (*apiResponse, error) {
	params["Action"] = action
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	//nolint:bodyclose
	resp, err := executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		resp, err := c.client.Do(req)
		if shouldRetry(resp, err) && resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %w", action, &APIError{StatusCode: resp.StatusCode})
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", action, err)
	}
	if out.RetCode != 0 {
		return nil, fmt.Errorf("%s: %w", action, &APIError{StatusCode: resp.StatusCode, RetCode: out.RetCode, Message: out.Message})
	}

	c.cfg.Logger.WithFields(logging.Fields{"action": action}).Debug("provider call succeeded")
	return &out, nil
}

func toInstance(h hostInfo) (*Instance, error) {
	inst := &Instance{ID: h.UHostId, Name: h.Name, State: InstanceState(h.State)}
	// The second address is the public one when both are present.
	switch len(h.IPSet) {
	case 0:
	case 1:
		inst.IP = h.IPSet[0].IP
	default:
		inst.IP = h.IPSet[1].IP
	}
	if h.Password != "" {
		pw, err := base64.StdEncoding.DecodeString(h.Password)
		if err != nil {
			return nil, fmt.Errorf("decode credential of %s: %w", h.UHostId, err)
		}
		inst.Credential = string(pw)
	}
	return inst, nil
}
