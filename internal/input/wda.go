package input

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/simglass/backend/internal/device"
)

// WDA executes input through a WebDriverAgent companion server. Second in
// the canonical chain order: it needs a live HTTP endpoint, where idb only
// needs a binary on PATH.
type WDA struct {
	baseURL string
	client  *http.Client
}

func NewWDA(baseURL string, timeout time.Duration) *WDA {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WDA{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *WDA) Name() string { return "webdriveragent" }

// Probe checks the agent's /status endpoint with a short deadline.
func (s *WDA) Probe(ctx context.Context, dev device.Device, cmd Command) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (s *WDA) Apply(ctx context.Context, dev device.Device, cmd Command) error {
	switch cmd.Kind {
	case KindTap:
		return s.post(ctx, "/wda/tap", map[string]any{"x": cmd.X, "y": cmd.Y})
	case KindSwipe:
		return s.post(ctx, "/wda/dragfromtoforduration", map[string]any{
			"fromX":    cmd.X,
			"fromY":    cmd.Y,
			"toX":      cmd.EndX,
			"toY":      cmd.EndY,
			"duration": cmd.Duration.Seconds(),
		})
	case KindText:
		err := s.post(ctx, "/wda/keys", map[string]any{"value": []string{cmd.Text}})
		if err != nil && mentionsMissingFocus(err.Error()) {
			return fmt.Errorf("%w: %v", ErrNoFocusedInput, err)
		}
		return err
	default:
		return fmt.Errorf("unsupported command kind %q", cmd.Kind)
	}
}

type wdaReply struct {
	Value struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"value"`
}

func (s *WDA) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return device.ErrTimeout
		}
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// WDA reports some failures inside a 200 envelope.
		var reply wdaReply
		if json.Unmarshal(data, &reply) == nil && reply.Value.Error != "" {
			return fmt.Errorf("%s: %s", reply.Value.Error, reply.Value.Message)
		}
		return nil
	}
	return fmt.Errorf("wda %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
}
