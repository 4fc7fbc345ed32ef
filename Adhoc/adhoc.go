package Adhoc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"TrackCastServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id             string `json:"id"`
	IP             string `json:"ip"`
	HTTPPort       int    `json:"httpPort"`
	RPCPort        int    `json:"rpcPort"`
	KeyFingerprint string `json:"keyFingerprint"`
	Subscribers    int    `json:"subscribers"`
	Tracks         int    `json:"tracks"`
	TimeStamp      int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Status reports live counters for each heartbeat.
type Status func() (subscribers, tracks int)

type Announcer struct {
	id       string
	reg      RegServerConfig
	ip       string
	httpPort int
	rpcPort  int
	keyFP    string
	status   Status
	interval time.Duration
	client   *resty.Client
}

func NewAnnouncer(reg RegServerConfig, ip string, httpPort, rpcPort int, keyFingerprint string, status Status) *Announcer {
	return &Announcer{
		id:       uuid.NewString(),
		reg:      reg,
		ip:       ip,
		httpPort: httpPort,
		rpcPort:  rpcPort,
		keyFP:    keyFingerprint,
		status:   status,
		interval: TimeOutSeconds * time.Second,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second), // 总超时
	}
}

func (a *Announcer) ID() string {
	return a.id
}

func (a *Announcer) SetInterval(d time.Duration) {
	a.interval = d
}

// Announce sends one heartbeat.
func (a *Announcer) Announce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("announce panic: %v", r)
		}
	}()
	reqBody := RegisterRequest{
		Id:             a.id,
		IP:             a.ip,
		HTTPPort:       a.httpPort,
		RPCPort:        a.rpcPort,
		KeyFingerprint: a.keyFP,
		TimeStamp:      time.Now().Unix(),
	}
	if a.status != nil {
		reqBody.Subscribers, reqBody.Tracks = a.status()
	}
	var respBody RegisterResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).     // 可以直接传 struct，resty 会 JSON 编码
		SetResult(&respBody). // 2xx 自动反序列化到 respBody
		Post(a.reg.URL())
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	// 检查 HTTP 状态码
	if resp.IsError() {
		return fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return errors.New("registration rejected")
	}
	return nil
}

// Run announces immediately and then on every interval until ctx is done.
func (a *Announcer) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	beat := func() {
		if err := a.Announce(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Error("heartbeat failed", zap.String("url", a.reg.URL()), zap.Error(err))
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("heartbeat context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			beat()
		}
	}
}
