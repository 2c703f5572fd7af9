// Package transport delivers commands to agents and receives provider
// interruption notices.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftline/spotwatch/internal/models"
	"github.com/driftline/spotwatch/internal/utils"
)

// ErrUnreachable is returned when an agent has no usable address.
var ErrUnreachable = &utils.AppError{Code: utils.CodeAgentOffline, Op: "transport", Msg: "agent is unreachable"}

// Ack is the agent's synchronous answer to a dispatched command. With neither
// flag set the command was delivered and the agent acknowledges it later.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Rejected bool   `json:"rejected,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AgentTransport sends a command to the agent it targets.
type AgentTransport interface {
	Send(ctx context.Context, cmd models.Command) (Ack, error)
}

// AddressResolver maps an agent id to its base URL.
type AddressResolver func(agentID string) (string, error)

// HTTPTransport posts commands as JSON to <agent address><command path>.
type HTTPTransport struct {
	resolve     AddressResolver
	commandPath string
	httpClient  *http.Client
}

// NewHTTPTransport constructs a transport with a bounded request timeout.
func NewHTTPTransport(resolve AddressResolver, commandPath string, timeout time.Duration) *HTTPTransport {
	if commandPath == "" {
		commandPath = "/v1/commands"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{
		resolve:     resolve,
		commandPath: "/" + strings.TrimLeft(commandPath, "/"),
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Send delivers cmd. A non-2xx response is an error; a 2xx body carries the Ack.
func (t *HTTPTransport) Send(ctx context.Context, cmd models.Command) (Ack, error) {
	if t == nil || t.resolve == nil {
		return Ack{}, fmt.Errorf("agent transport not initialised")
	}
	base, err := t.resolve(cmd.AgentID)
	if err != nil {
		return Ack{}, err
	}
	if base == "" {
		return Ack{}, utils.NewAppError(utils.CodeAgentOffline, "transport.Send", "agent "+cmd.AgentID+" has no address", ErrUnreachable)
	}

	var ack Ack
	if err := t.postJSON(ctx, strings.TrimRight(base, "/")+t.commandPath, cmd, &ack); err != nil {
		return Ack{}, fmt.Errorf("dispatch command %s: %w", cmd.ID, err)
	}
	return ack, nil
}

func (t *HTTPTransport) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(t.httpClient, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %s: %s", req.URL.Host, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
