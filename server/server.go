package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gocv.io/x/gocv"

	"RicePestDetect/config"
	"RicePestDetect/engine"
	iface "RicePestDetect/interface"
	"RicePestDetect/logger"
	"RicePestDetect/monitor"
	"RicePestDetect/pipeline"
	"RicePestDetect/recommend"
	"RicePestDetect/source"
)

const modelDir = "models"

// Server 对外 HTTP/WebSocket 接口层, 组合引擎/管线/推荐三个部件
type Server struct {
	cfg  *config.Config
	det  *engine.Detector
	pipe *pipeline.Pipeline
	rec  *recommend.Engine
	hub  *Hub

	frameMu   sync.RWMutex
	lastFrame []byte
}

func New(cfg *config.Config, det *engine.Detector, pipe *pipeline.Pipeline, rec *recommend.Engine) *Server {
	return &Server{
		cfg:  cfg,
		det:  det,
		pipe: pipe,
		rec:  rec,
		hub:  NewHub(),
	}
}

// Run 启动广播中枢与快照转发, ctx 取消后全部退出
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.forwardSnapshots(ctx)
}

// forwardSnapshots 把管线快照序列化后广播给所有流客户端,
// 同时留存最近一帧标注图供结果保存使用
func (s *Server) forwardSnapshots(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.pipe.Snapshots():
			if len(snap.Frame) > 0 {
				s.setLastFrame(snap.Frame)
			}
			b, err := json.Marshal(snap)
			if err != nil {
				logger.S().Errorw("snapshot marshal failed", "err", err)
				continue
			}
			s.hub.Broadcast(b)
		}
	}
}

func (s *Server) setLastFrame(frame []byte) {
	s.frameMu.Lock()
	s.lastFrame = append([]byte(nil), frame...)
	s.frameMu.Unlock()
}

func (s *Server) getLastFrame() []byte {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.lastFrame
}

func (s *Server) Router() *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		monitor.HTTPTotal.Inc()
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		if c.Writer.Status() >= 400 {
			logger.S().Warnw("request failed",
				"status", c.Writer.Status(),
				"method", c.Request.Method,
				"path", path,
				"latency", time.Since(start),
				"client", c.ClientIP())
		}
	})

	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"*"},
		ExposeHeaders:   []string{"Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	api := r.Group("/api")
	{
		api.GET("/ping", s.ping)
		api.GET("/model", s.modelInfo)
		api.POST("/model/load", s.loadModel)
		api.POST("/model/upload", s.uploadModel)
		api.POST("/pipeline/start", s.startPipeline)
		api.POST("/pipeline/stop", s.stopPipeline)
		api.GET("/pipeline/state", s.pipelineState)
		api.POST("/detect", s.detectImage)
		api.POST("/recommend", s.recommendDosage)
		api.POST("/result/save", s.saveResult)
	}
	r.GET("/ws/stream", s.streamWS)

	return r
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

func (s *Server) modelInfo(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(gin.H{
		"backend": s.det.Backend(),
		"state":   engine.StateName(s.det.State()),
		"config":  s.det.CheckConfig(),
		"names":   s.det.Names(),
	}))
}

func (s *Server) loadModel(c *gin.Context) {
	var req loadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	var names iface.NamesConf
	switch {
	case req.NamesFile != "":
		names = iface.NamesConf{IsFile: true, Data: req.NamesFile}
	case len(req.Names) > 0:
		names = iface.NamesConf{IsFile: false, Data: req.Names}
	default:
		c.JSON(http.StatusBadRequest, errorResponse("names or names_file is required"))
		return
	}

	if req.InputSize > 0 {
		s.det.SetInputSize(req.InputSize)
	}
	if err := s.det.LoadModel(req.ModelPath, names, req.Conf, req.Iou, req.UseGPU); err != nil {
		logger.S().Errorw("model load failed", "path", req.ModelPath, "err", err)
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if n := s.cfg.Engine.Warmup; n > 0 {
		s.det.Warmup(n)
	}
	c.JSON(http.StatusOK, successResponse(s.det.CheckConfig()))
}

func (s *Server) uploadModel(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("model file is required"))
		return
	}
	if !strings.HasSuffix(fileHeader.Filename, ".onnx") {
		c.JSON(http.StatusBadRequest, errorResponse("model file must be .onnx"))
		return
	}
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	dst := filepath.Join(modelDir, filepath.Base(fileHeader.Filename))
	if err := c.SaveUploadedFile(fileHeader, dst); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	logger.S().Infow("model uploaded", "path", dst, "size", fileHeader.Size)
	c.JSON(http.StatusOK, successResponse(gin.H{"path": dst, "size": fileHeader.Size}))
}

func (s *Server) startPipeline(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	kind, err := source.ParseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	desc := source.Descriptor{
		Kind:      kind,
		Device:    req.Device,
		Path:      req.Path,
		Reconnect: s.cfg.Source.CameraReconnect,
	}

	if err := s.pipe.Start(desc); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, errorResponse(err.Error()))
		case errors.Is(err, source.ErrSourceUnavailable):
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		default:
			c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		}
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{
		"state":  pipeline.StateName(s.pipe.State()),
		"source": desc.String(),
	}))
}

func (s *Server) stopPipeline(c *gin.Context) {
	s.pipe.Stop()
	c.JSON(http.StatusOK, successResponse(gin.H{
		"state": pipeline.StateName(s.pipe.State()),
	}))
}

func (s *Server) pipelineState(c *gin.Context) {
	resp := gin.H{
		"state":   pipeline.StateName(s.pipe.State()),
		"stats":   s.pipe.LastStats(),
		"clients": s.hub.ClientCount(),
	}
	if err := s.pipe.RunError(); err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, successResponse(resp))
}

// detectImage 单图检测: 上传图片, 返回检测框/统计/标注图与用药建议
func (s *Server) detectImage(c *gin.Context) {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("image file is required"))
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	img, err := source.DecodeImage(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("cannot decode image"))
		return
	}
	defer img.Close()

	dets, fstats, err := s.pipe.DetectImage(img)
	if err != nil {
		if errors.Is(err, engine.ErrModelNotLoaded) {
			c.JSON(http.StatusConflict, errorResponse(err.Error()))
			return
		}
		logger.S().Errorw("detect failed", "err", err)
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	s.pipe.Backend().Annotate(&img, dets)
	buf, err := gocv.IMEncode(".jpg", img)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	annotated := append([]byte(nil), buf.GetBytes()...)
	buf.Close()
	s.setLastFrame(annotated)

	report := s.rec.BuildReport(dets, c.PostForm("area"))
	c.JSON(http.StatusOK, successResponse(gin.H{
		"detections":  dets,
		"stats":       fstats,
		"report":      report,
		"report_text": report.Text(),
		"image":       annotated,
	}))
}

// recommendDosage 基于最近一次检测结果计算用药建议。
// refresh 为真时改用管线最近一帧的检测结果重建记录。
func (s *Server) recommendDosage(c *gin.Context) {
	var req recommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	var report recommend.Report
	if req.Refresh {
		report = s.rec.BuildReport(s.pipe.LastDetections(), req.Area)
	} else {
		report = s.rec.Recompute(req.Area)
	}
	c.JSON(http.StatusOK, successResponse(gin.H{
		"report": report,
		"text":   report.Text(),
	}))
}

// saveResult 把最近一帧标注图和当前用药建议落盘
func (s *Server) saveResult(c *gin.Context) {
	req := saveRequest{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
	}

	frame := s.getLastFrame()
	if len(frame) == 0 {
		c.JSON(http.StatusNotFound, errorResponse("no annotated frame available"))
		return
	}
	img, err := source.DecodeImage(frame)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	defer img.Close()

	name := time.Now().Format("20060102_150405")
	imgPath := filepath.Join(s.cfg.SaveDir, "result_"+name+".jpg")
	if err := source.SaveImage(imgPath, img); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	report := s.rec.Recompute(req.Area)
	txtPath := filepath.Join(s.cfg.SaveDir, "result_"+name+".txt")
	if err := os.WriteFile(txtPath, []byte(report.Text()), 0o644); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	logger.S().Infow("result saved", "image", imgPath, "report", txtPath)
	c.JSON(http.StatusOK, successResponse(gin.H{
		"image":  imgPath,
		"report": txtPath,
	}))
}

func (s *Server) streamWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.S().Warnw("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
