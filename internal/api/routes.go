package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/util"
)

var startedAt = time.Now()

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleServerInfo(c *gin.Context) {
	srv := s.cfg.GetServer()
	c.JSON(http.StatusOK, gin.H{
		"banner":     srv.Banner,
		"chat_port":  srv.ChatPort,
		"voice_port": srv.VoicePort,
		"uptime_sec": int(time.Since(startedAt).Seconds()),
		"system":     util.GetSystemInfo(),
	})
}

func (s *Server) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": s.rooms.List()})
}

func (s *Server) handleListUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": s.sessions.OnlineUsers()})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, events.StatsPayload{
		At:           time.Now(),
		OnlineUsers:  s.sessions.CountOnline(),
		Rooms:        s.rooms.Count(),
		VoiceSockets: s.relay.Count(),
		Bots:         s.bots.Count(),
	})
}

type broadcastRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	delivered := s.sessions.BroadcastSystem(req.Text)
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

func (s *Server) handleBotsStatus(c *gin.Context) {
	running, count, roomID := s.bots.Status()
	c.JSON(http.StatusOK, gin.H{
		"running": running,
		"count":   count,
		"room_id": roomID,
	})
}

type botsStartRequest struct {
	Count  int    `json:"count" binding:"required"`
	RoomID uint32 `json:"room_id" binding:"required"`
}

func (s *Server) handleBotsStart(c *gin.Context) {
	var req botsStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count and room_id are required"})
		return
	}
	if err := s.bots.Start(c.Request.Context(), req.Count, req.RoomID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": req.Count, "room_id": req.RoomID})
}

func (s *Server) handleBotsStop(c *gin.Context) {
	if err := s.bots.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}
