package atag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultPort is the appliance's HTTP API port.
	DefaultPort = 10000

	// maxReplySize bounds an appliance reply.
	maxReplySize = 1 << 20

	defaultRequestTimeout = 10 * time.Second
)

// retrieve_message info bits.
const (
	infoControls      = 1
	infoConfiguration = 4
	infoReport        = 8
	infoStatus        = 16
)

// acc_status values.
const (
	accPending    = 1
	accAuthorized = 2
	accDenied     = 3
)

// SessionConfig identifies this client to the appliance.
type SessionConfig struct {
	// MAC is the client identifier in account_auth.
	MAC string

	// Hostname is shown on the thermostat when pairing.
	Hostname string

	// Paired skips pair_message and only verifies access.
	Paired bool

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration

	// HTTPClient overrides the default client. Tests use it.
	HTTPClient *http.Client
}

// Session owns one connection to an appliance.
type Session struct {
	host       string
	baseURL    string
	cfg        SessionConfig
	httpClient *http.Client

	authorized bool
	limits     Limits
}

// NewSession creates an unauthorized session for host. host may carry an
// explicit port; otherwise DefaultPort is used.
func NewSession(host string, cfg SessionConfig) *Session {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{MaxIdleConns: 1, IdleConnTimeout: 30 * time.Second},
		}
	}

	return &Session{
		host:       host,
		baseURL:    "http://" + withDefaultPort(host),
		cfg:        cfg,
		httpClient: client,
		limits:     DefaultLimits(),
	}
}

func withDefaultPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(DefaultPort))
}

// Host returns the address the session was created for.
func (s *Session) Host() string { return s.host }

// Authorized reports whether ConnectAndAuthorize succeeded.
func (s *Session) Authorized() bool { return s.authorized }

// Limits returns the command ranges from the last report.
func (s *Session) Limits() Limits { return s.limits }

// ConnectAndAuthorize pairs with the appliance (unless already paired) and
// verifies that this client is accepted.
//
// Errors:
//   - ErrConnectivity: host unreachable
//   - ErrAuthorization: pairing pending on the device, or denied
//   - ErrProtocol: malformed reply
func (s *Session) ConnectAndAuthorize(ctx context.Context) error {
	if !s.cfg.Paired {
		reply, err := s.post(ctx, "pair", s.pairMessage())
		if err != nil {
			return err
		}
		if err := checkAccStatus(reply); err != nil {
			return err
		}
	}

	reply, err := s.post(ctx, "retrieve", s.retrieveMessage(infoControls))
	if err != nil {
		return err
	}
	if err := checkAccStatus(reply); err != nil {
		return err
	}

	s.authorized = true
	return nil
}

// Refresh fetches a new report snapshot and updates the limits.
func (s *Session) Refresh(ctx context.Context) (Report, error) {
	if !s.authorized {
		return nil, fmt.Errorf("%w: refresh before authorization", ErrAuthorization)
	}

	reply, err := s.post(ctx, "retrieve", s.retrieveMessage(infoReport|infoControls|infoConfiguration|infoStatus))
	if err != nil {
		return nil, err
	}
	if err := checkAccStatus(reply); err != nil {
		return nil, err
	}
	if _, ok := reply["report"]; !ok {
		return nil, fmt.Errorf("%w: retrieve_reply without report section", ErrProtocol)
	}

	report, err := newReport(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding report: %w", ErrProtocol, err)
	}

	s.limits = LimitsFromReport(report)
	return report, nil
}

// SendCommand validates cmd against the current limits and transmits it.
// An out-of-range value fails with ErrInvalidValue before any request.
func (s *Session) SendCommand(ctx context.Context, cmd Command) error {
	if err := s.limits.Validate(cmd); err != nil {
		return err
	}
	if !s.authorized {
		return fmt.Errorf("%w: command before authorization", ErrAuthorization)
	}

	reply, err := s.post(ctx, "update", s.updateMessage(cmd))
	if err != nil {
		return err
	}
	return checkAccStatus(reply)
}

// Close releases idle connections. The session must not be used afterwards.
func (s *Session) Close() error {
	s.authorized = false
	s.httpClient.CloseIdleConnections()
	return nil
}

// post sends {"<kind>_message": body} and returns the members of
// "<kind>_reply".
func (s *Session) post(ctx context.Context, kind string, body map[string]any) (map[string]json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{kind + "_message": body})
	if err != nil {
		return nil, fmt.Errorf("encode %s_message: %w", kind, err)
	}

	endpoint := s.baseURL + "/" + kind + "_message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-OneApp-Version", "6.0.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("request %s: %w", endpoint, ctxErr)
		}
		return nil, fmt.Errorf("%w: request %s: %w", ErrConnectivity, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrConnectivity, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrProtocol, endpoint, resp.StatusCode)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrProtocol, endpoint, err)
	}
	raw, ok := envelope[kind+"_reply"]
	if !ok {
		return nil, fmt.Errorf("%w: %s reply missing %s_reply", ErrProtocol, endpoint, kind)
	}
	var reply map[string]json.RawMessage
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: decode %s_reply: %w", ErrProtocol, kind, err)
	}
	return reply, nil
}

// checkAccStatus maps the reply's acc_status to an error.
func checkAccStatus(reply map[string]json.RawMessage) error {
	raw, ok := reply["acc_status"]
	if !ok {
		return fmt.Errorf("%w: reply without acc_status", ErrProtocol)
	}
	var status int
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("%w: acc_status: %w", ErrProtocol, err)
	}

	switch status {
	case accAuthorized:
		return nil
	case accPending:
		return fmt.Errorf("%w: pairing pending, confirm on the thermostat", ErrAuthorization)
	case accDenied:
		return fmt.Errorf("%w: access denied", ErrAuthorization)
	default:
		return fmt.Errorf("%w: acc_status %d", ErrAuthorization, status)
	}
}

func (s *Session) accountAuth() map[string]any {
	return map[string]any{
		"user_account": "",
		"mac_address":  s.cfg.MAC,
	}
}

func (s *Session) pairMessage() map[string]any {
	return map[string]any{
		"seqnr":        0,
		"account_auth": s.accountAuth(),
		"accounts": map[string]any{
			"entries": []map[string]any{{
				"user_account": "",
				"mac_address":  s.cfg.MAC,
				"device_name":  s.cfg.Hostname,
				"account_type": 0,
			}},
		},
	}
}

func (s *Session) retrieveMessage(info int) map[string]any {
	return map[string]any{
		"seqnr":        0,
		"account_auth": s.accountAuth(),
		"info":         info,
	}
}

func (s *Session) updateMessage(cmd Command) map[string]any {
	return map[string]any{
		"seqnr":        0,
		"account_auth": s.accountAuth(),
		"control":      map[string]any{cmd.Field: cmd.payloadValue()},
	}
}

// IsSessionError reports whether err is one of the appliance failure classes
// that warrant a reconnect.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrDiscoveryTimeout) ||
		errors.Is(err, ErrConnectivity) ||
		errors.Is(err, ErrAuthorization) ||
		errors.Is(err, ErrProtocol)
}
