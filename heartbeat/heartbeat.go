package heartbeat

import (
	"RicePestDetect/logger"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	TimeOutSeconds = 5
	ServiceName    = "rice-pest-detect"
)

type Status struct {
	State string  `json:"state"`
	FPS   float64 `json:"fps"`
}

// StatusFunc 由调用方提供, 每次心跳时取运行状态
type StatusFunc func() Status

type AliveRequest struct {
	Id        string  `json:"id"`
	IP        string  `json:"ip"`
	Port      int     `json:"port"`
	Service   string  `json:"service"`
	State     string  `json:"state"`
	FPS       float64 `json:"fps"`
	TimeStamp int64   `json:"timestamp"`
}

type AliveResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// OutboundIP 返回本机出口 IP
func OutboundIP() (string, error) {
	// 8.8.8.8 是 Google DNS，这里只是为了建立路由路径得到本地出口 IP
	// 实际并没有真正的物理连接，所以不需要联网也可以（只要有路由表）
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

// SendAliveMessage 周期性向注册中心上报存活状态, ctx 取消后退出
func SendAliveMessage(endpoint string, ip string, port int, interval time.Duration, status StatusFunc, ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second) // 总超时
	// 构造请求体
	id := uuid.NewString()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error(fmt.Sprintf("SendAliveMessage panic recovered: %v", r))
			}
		}()
		st := Status{}
		if status != nil {
			st = status()
		}
		var respBody AliveResponse
		reqBody := AliveRequest{
			Id:        id,
			IP:        ip,
			Port:      port,
			Service:   ServiceName,
			State:     st.State,
			FPS:       st.FPS,
			TimeStamp: time.Now().Unix(),
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).     // 可以直接传 struct，resty 会 JSON 编码
			SetResult(&respBody). // 2xx 自动反序列化到 respBody
			Post(endpoint)
		if err != nil {
			logger.Log().Error(fmt.Sprintf("request error: %v", err))
			return
		}
		// 检查 HTTP 状态码
		if resp.IsError() {
			logger.Log().Error(fmt.Sprintf("server returned error: %s, body: %s", resp.Status(), resp.String()))
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
