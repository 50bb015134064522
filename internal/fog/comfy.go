package fog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const wsReadLimit = 32 << 20

// Image is one rendered picture collected from a workflow run.
type Image struct {
	NodeID   string `json:"node_id"`
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Data     string `json:"data"`
}

// Output is what a finished workflow produced.
type Output struct {
	Images      []Image                    `json:"images"`
	NodeOutputs map[string]json.RawMessage `json:"node_outputs"`
}

// Comfy drives a local ComfyUI instance: it queues a workflow and follows its
// progress over the websocket until the prompt finishes.
type Comfy struct {
	baseURL string
	client  *resty.Client
}

// NewComfy creates a client for the ComfyUI server at baseURL.
func NewComfy(baseURL string) (*Comfy, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("comfy url is empty")
	}
	return &Comfy{
		baseURL: baseURL,
		client:  resty.New().SetBaseURL(baseURL).SetHeader("User-Agent", userAgent),
	}, nil
}

type queueStatus struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// Idle reports whether ComfyUI has nothing running or queued.
func (c *Comfy) Idle(ctx context.Context) (bool, error) {
	var q queueStatus
	resp, err := c.client.R().SetContext(ctx).SetResult(&q).Get("/queue")
	if err != nil {
		return false, fmt.Errorf("check comfy queue: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("check comfy queue: status %d", resp.StatusCode())
	}
	return len(q.Running) == 0 && len(q.Pending) == 0, nil
}

type queueResponse struct {
	PromptID string `json:"prompt_id"`
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type executedData struct {
	Node     string          `json:"node"`
	PromptID string          `json:"prompt_id"`
	Output   json.RawMessage `json:"output"`
}

type executionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	ExceptionMessage string `json:"exception_message"`
}

type nodeImages struct {
	Images []struct {
		Filename  string `json:"filename"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	} `json:"images"`
}

// Execute runs workflow and returns its outputs. The websocket is opened
// before the prompt is queued so no progress message is missed.
func (c *Comfy) Execute(ctx context.Context, workflow json.RawMessage) (*Output, error) {
	if len(workflow) == 0 || string(workflow) == "null" || string(workflow) == "{}" {
		return nil, errors.New("empty workflow in task")
	}
	clientID := uuid.NewString()

	conn, _, err := websocket.Dial(ctx, c.wsURL(clientID), nil)
	if err != nil {
		return nil, fmt.Errorf("connect comfy websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(wsReadLimit)

	promptID, err := c.queuePrompt(ctx, workflow, clientID)
	if err != nil {
		return nil, err
	}

	nodeOutputs := map[string]json.RawMessage{}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read comfy websocket: %w", err)
		}
		if typ != websocket.MessageText {
			// Binary frames carry live previews.
			continue
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "executing":
			var d executingData
			if json.Unmarshal(msg.Data, &d) == nil && d.Node == nil && d.PromptID == promptID {
				return c.collect(ctx, nodeOutputs)
			}
		case "executed":
			var d executedData
			if json.Unmarshal(msg.Data, &d) == nil && d.PromptID == promptID {
				nodeOutputs[d.Node] = d.Output
			}
		case "execution_error":
			var d executionErrorData
			if json.Unmarshal(msg.Data, &d) == nil && d.PromptID == promptID {
				return nil, fmt.Errorf("workflow failed at node %s: %s", d.NodeID, d.ExceptionMessage)
			}
		}
	}
}

func (c *Comfy) queuePrompt(ctx context.Context, workflow json.RawMessage, clientID string) (string, error) {
	var out queueResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"prompt": workflow, "client_id": clientID}).
		SetResult(&out).
		Post("/prompt")
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("queue prompt: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if out.PromptID == "" {
		return "", errors.New("queue prompt: no prompt_id in response")
	}
	return out.PromptID, nil
}

// collect downloads every image referenced by the node outputs.
func (c *Comfy) collect(ctx context.Context, nodeOutputs map[string]json.RawMessage) (*Output, error) {
	out := &Output{Images: []Image{}, NodeOutputs: nodeOutputs}
	for nodeID, raw := range nodeOutputs {
		var imgs nodeImages
		if err := json.Unmarshal(raw, &imgs); err != nil {
			continue
		}
		for _, img := range imgs.Images {
			resp, err := c.client.R().
				SetContext(ctx).
				SetQueryParams(map[string]string{
					"filename":  img.Filename,
					"subfolder": img.Subfolder,
					"type":      img.Type,
				}).
				Get("/view")
			if err != nil {
				return nil, fmt.Errorf("download image %s: %w", img.Filename, err)
			}
			if resp.IsError() {
				return nil, fmt.Errorf("download image %s: status %d", img.Filename, resp.StatusCode())
			}
			imgType := img.Type
			if imgType == "" {
				imgType = "output"
			}
			out.Images = append(out.Images, Image{
				NodeID:   nodeID,
				Filename: img.Filename,
				Type:     imgType,
				Data:     base64.StdEncoding.EncodeToString(resp.Body()),
			})
		}
	}
	return out, nil
}

func (c *Comfy) wsURL(clientID string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String()
}
