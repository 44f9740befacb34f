package Adhoc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"RayRelay/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ServiceName    = "rayrelay"
	TimeOutSeconds = 5
)

type RegisterRequest struct {
	Id        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Service   string `json:"service"`
	TimeStamp int64  `json:"timestamp"`
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

func (reg *RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// GetOutboundIP finds the local address used to reach the outside. Nothing is
// sent: dialing UDP only consults the routing table.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// SendAliveMessage registers ip:port with the registry every TimeOutSeconds
// until ctx ends.
func SendAliveMessage(ctx context.Context, wg *sync.WaitGroup, reg RegServerConfig, ip string, port int) {
	defer wg.Done()
	sendAlive(ctx, reg, ip, port, TimeOutSeconds*time.Second)
}

func sendAlive(ctx context.Context, reg RegServerConfig, ip string, port int, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second)
	id := uuid.NewString()
	url := reg.URL()

	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		var respBody RegisterResponse
		reqBody := RegisterRequest{
			Id:        id,
			IP:        ip,
			Port:      port,
			Service:   ServiceName,
			TimeStamp: time.Now().Unix(),
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).
			SetResult(&respBody).
			Post(url)
		if err != nil {
			if ctx.Err() == nil {
				logger.Log().Error("register request failed", zap.String("url", url), zap.Error(err))
			}
			return
		}
		if resp.IsError() {
			logger.Log().Error("registry returned error", zap.String("status", resp.Status()), zap.String("body", resp.String()))
			return
		}
		if !respBody.Success {
			logger.Log().Warn("registry refused registration", zap.String("id", id))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
