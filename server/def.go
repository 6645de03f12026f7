package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type loadModelRequest struct {
	ModelPath string   `json:"model_path" binding:"required"`
	NamesFile string   `json:"names_file"`
	Names     []string `json:"names"`
	Conf      float32  `json:"conf"`
	Iou       float32  `json:"iou"`
	InputSize int      `json:"input_size"`
	UseGPU    bool     `json:"use_gpu"`
}

type startRequest struct {
	Kind   string `json:"kind" binding:"required"`
	Device int    `json:"device"`
	Path   string `json:"path"`
}

type recommendRequest struct {
	Area    string `json:"area"`
	Refresh bool   `json:"refresh"`
}

type saveRequest struct {
	Area string `json:"area"`
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
