// Package orchestrator 编排服务 REST 客户端，负责模拟器工作负载的创建、删除与状态查询
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/logger"
)

// StatusNotFound 工作负载不存在时 SimulatorStatus 的返回值
const StatusNotFound = "not-found"

// Config 编排客户端配置
type Config struct {
	BaseURL   string
	Namespace string
	Timeout   time.Duration
}

// Client 编排服务客户端
type Client struct {
	http      *resty.Client
	namespace string
}

type createRequest struct {
	SimulatorID string `json:"simulator_id"`
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
}

type placementResponse struct {
	Endpoint  string `json:"endpoint"`
	PodName   string `json:"pod_name"`
	Namespace string `json:"namespace"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// NewClient 创建编排服务客户端
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "simulators"
	}
	h := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: h, namespace: cfg.Namespace}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetPathParam("namespace", c.namespace).
		SetError(&errorResponse{})
}

// CreateSimulator 创建工作负载并返回可达地址
func (c *Client) CreateSimulator(ctx context.Context, req domain.CreateSimulatorRequest) (*domain.SimulatorPlacement, error) {
	var out placementResponse
	resp, err := c.request(ctx).
		SetBody(createRequest{SimulatorID: req.SimulatorID, SessionID: req.SessionID, UserID: req.UserID}).
		SetResult(&out).
		Post("/api/v1/namespaces/{namespace}/simulators")
	if err != nil {
		return nil, fmt.Errorf("create simulator %s: %w", req.SimulatorID, err)
	}
	if resp.IsError() {
		return nil, statusError("create simulator "+req.SimulatorID, resp)
	}
	if out.Endpoint == "" {
		return nil, fmt.Errorf("create simulator %s: orchestrator returned no endpoint", req.SimulatorID)
	}
	if out.Namespace == "" {
		out.Namespace = c.namespace
	}
	logger.Info(ctx, "Simulator workload created", "simulator_id", req.SimulatorID, "endpoint", out.Endpoint, "pod", out.PodName)
	return &domain.SimulatorPlacement{Endpoint: out.Endpoint, PodName: out.PodName, Namespace: out.Namespace}, nil
}

// DeleteSimulator 删除工作负载，404 视为成功
func (c *Client) DeleteSimulator(ctx context.Context, simulatorID string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", simulatorID).
		Delete("/api/v1/namespaces/{namespace}/simulators/{id}")
	if err != nil {
		return fmt.Errorf("delete simulator %s: %w", simulatorID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return statusError("delete simulator "+simulatorID, resp)
	}
	return nil
}

// SimulatorStatus 查询工作负载状态
func (c *Client) SimulatorStatus(ctx context.Context, simulatorID string) (string, error) {
	var out statusResponse
	resp, err := c.request(ctx).
		SetPathParam("id", simulatorID).
		SetResult(&out).
		Get("/api/v1/namespaces/{namespace}/simulators/{id}/status")
	if err != nil {
		return "", fmt.Errorf("simulator status %s: %w", simulatorID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return StatusNotFound, nil
	}
	if resp.IsError() {
		return "", statusError("simulator status "+simulatorID, resp)
	}
	return out.Status, nil
}

func statusError(op string, resp *resty.Response) error {
	if e, ok := resp.Error().(*errorResponse); ok && e.Message != "" {
		return fmt.Errorf("%s: orchestrator returned %d: %s", op, resp.StatusCode(), e.Message)
	}
	return fmt.Errorf("%s: orchestrator returned %d", op, resp.StatusCode())
}
