package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"GroundingDet/engine"
	"GroundingDet/imageio"
	iface "GroundingDet/interface"
	"GroundingDet/logger"
	"GroundingDet/monitor"
)

const maxUploadBytes = 20 * 1024 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsMessage is what a websocket client sends. Image is base64, optionally
// as a data URL.
type wsMessage struct {
	Action    string   `json:"action"`
	Prompt    string   `json:"prompt"`
	Image     string   `json:"image"`
	Threshold *float64 `json:"threshold"`
}

func errorBody(err error) gin.H {
	return gin.H{"error": err.Error(), "kind": iface.KindOf(err).String()}
}

func (srv *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	api := r.Group("/api/sessions")
	api.POST("/alloc", srv.handleAlloc)
	api.POST("/:id/detect", srv.withSession(srv.handleDetect))
	api.GET("/:id/status", srv.withSession(func(c *gin.Context, s *session) {
		c.JSON(http.StatusOK, s.orch.Status())
	}))
	api.POST("/:id/cancel", srv.withSession(func(c *gin.Context, s *session) {
		s.orch.Cancel()
		c.JSON(http.StatusOK, s.orch.Status())
	}))
	api.GET("/:id/annotated", srv.withSession(srv.handleAnnotated))
	api.POST("/:id/release", func(c *gin.Context) {
		if !srv.releaseSession(c.Param("id"), "released by client") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": "Session released"})
	})
	r.GET("/ws/:id", srv.withSession(srv.handleWebsocket))
	return r
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		monitor.HTTPTotal.Inc()
		logger.Log().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (srv *server) withSession(h func(*gin.Context, *session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := srv.lookup(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		s.touch()
		h(c, s)
	}
}

func (srv *server) handleAlloc(c *gin.Context) {
	s := srv.allocSession()
	c.JSON(http.StatusOK, gin.H{
		"sessionID": s.id,
		"wsURL":     fmt.Sprintf("ws://%s/ws/%s", c.Request.Host, s.id),
		"timeoutMs": srv.idle.Milliseconds(),
	})
}

func (srv *server) handleDetect(c *gin.Context, s *session) {
	// room for the form fields around the image part
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file required: " + err.Error()})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", maxUploadBytes)})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", maxUploadBytes)})
		return
	}

	var threshold *float64
	if v := c.PostForm("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold"})
			return
		}
		threshold = &t
	}

	req, err := srv.buildRequest(data, c.PostForm("prompt"), threshold)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	id := s.start(req)
	c.JSON(http.StatusAccepted, gin.H{"requestId": id})
}

func (srv *server) handleAnnotated(c *gin.Context, s *session) {
	if _, ok := s.annotator.Latest(); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No completed detection"})
		return
	}
	img, err := s.annotator.Render()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", img)
}

// buildRequest turns raw upload bytes into a validated pipeline request using
// the configured defaults for anything the client left out.
func (srv *server) buildRequest(data []byte, prompt string, threshold *float64) (engine.Request, error) {
	img, err := imageio.Load(data, srv.cfg.MaxImageSide)
	if err != nil {
		return engine.Request{}, err
	}
	if prompt == "" {
		prompt = srv.cfg.Detection.Prompt
	}
	t := srv.cfg.Detection.Threshold
	if threshold != nil {
		t = *threshold
	}
	req := engine.Request{
		Image:           img,
		Prompt:          prompt,
		Threshold:       t,
		ServerThreshold: srv.cfg.ServerThreshold(),
		Poll: engine.PollConfig{
			IntervalSeconds: srv.cfg.Detection.PollingIntervalSeconds,
			MaxAttempts:     srv.cfg.Detection.PollingMaxRetries,
		},
		Projection: srv.cfg.Projection(img.Size()),
	}
	if err := req.Validate(); err != nil {
		return engine.Request{}, err
	}
	return req, nil
}

func (srv *server) handleWebsocket(c *gin.Context, s *session) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.attach(conn)
	conn.SetReadLimit(maxUploadBytes)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			s.attach(nil)
			logger.Log().Info("websocket closed", zap.String("session", s.id), zap.Error(err))
			return
		}
		s.touch()
		switch mt {
		case websocket.TextMessage:
			srv.handleWSMessage(s, msg)
		case websocket.BinaryMessage:
			srv.startFromWS(s, msg, "", nil)
		default:
			s.send(gin.H{"error": "unsupported message type"})
		}
	}
}

func (srv *server) handleWSMessage(s *session, msg []byte) {
	var m wsMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		s.send(gin.H{"error": "invalid message: " + err.Error()})
		return
	}
	switch m.Action {
	case "cancel":
		s.orch.Cancel()
	case "status":
		s.send(s.orch.Status())
	case "", "detect":
		data, err := decodeBase64Image(m.Image)
		if err != nil {
			s.send(gin.H{"error": "invalid image: " + err.Error()})
			return
		}
		srv.startFromWS(s, data, m.Prompt, m.Threshold)
	default:
		s.send(gin.H{"error": "unknown action " + m.Action})
	}
}

func (srv *server) startFromWS(s *session, data []byte, prompt string, threshold *float64) {
	req, err := srv.buildRequest(data, prompt, threshold)
	if err != nil {
		s.send(errorBody(err))
		return
	}
	s.start(req)
}

// decodeBase64Image 将 base64 字符串（可带 data:image/... 前缀）解码为图像字节
func decodeBase64Image(b64 string) ([]byte, error) {
	// 去掉可能的 data URL 前缀
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	return base64.StdEncoding.DecodeString(b64)
}
