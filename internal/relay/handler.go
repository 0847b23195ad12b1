package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/feed"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

const maxUploadSize = 20 << 20

type Handler struct {
	hub            *Hub
	log            *Memlog
	allowedOrigins string
	eventRate      int
	eventBurst     int
}

func NewHandler(hub *Hub, log *Memlog, allowedOrigins string, eventRate, eventBurst int) *Handler {
	return &Handler{
		hub:            hub,
		log:            log,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
		eventRate:      eventRate,
		eventBurst:     eventBurst,
	}
}

// Routes assembles the relay's HTTP surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(h.allowedOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/api/channels/{channelID}/messages", h.GetMessages)
	r.Post("/api/channels/{channelID}/messages", h.PostMessage)
	r.Get("/api/channels/{channelID}/access", h.Access)
	r.Post("/api/upload", h.Upload)
	r.Get("/files/{blobID}", h.ServeBlob)
	r.Get("/ws", h.ServeWS)
	return r
}

// GetMessages is the historical-load endpoint: one bounded ascending page.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	writeJSON(w, http.StatusOK, h.log.List(channelID, limit))
}

// PostMessage is the durable-write endpoint. The confirmed message goes back
// to the writer and is broadcast to the whole topic, author included; the
// engine's self-echo suppression is what keeps the author's view single-copy.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	var sr api.SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventSize)).Decode(&sr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if sr.AuthorID == "" || (sr.Content == "" && sr.Attachment == nil) {
		writeError(w, http.StatusBadRequest, "author_id and content required")
		return
	}
	if !h.log.Allowed(channelID, sr.AuthorID) {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	kind := sr.Kind
	if kind == "" {
		kind = model.KindText
	}
	now := time.Now().UTC()
	m := model.Message{
		ID:         uuid.New().String(),
		ChannelID:  channelID,
		AuthorID:   sr.AuthorID,
		Content:    sr.Content,
		Kind:       kind,
		Attachment: sr.Attachment,
		ParentID:   sr.ParentID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Author:     sr.Author,
		Status:     model.StatusConfirmed,
	}
	h.log.Append(m)

	if m.ParentID != "" {
		h.hub.Broadcast(feed.Topic(channelID), feed.NewEvent(feed.EventThreadReply, feed.ThreadReplyPayload{
			ChannelID: channelID,
			ParentID:  m.ParentID,
			Reply:     m,
		}))
	} else {
		h.hub.Broadcast(feed.Topic(channelID), feed.NewEvent(feed.EventMessage, m))
	}

	writeJSON(w, http.StatusCreated, m)
}

// Access is the membership resolver endpoint.
func (h *Handler) Access(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"granted": h.log.Allowed(channelID, userID)})
}

// Upload is the blob adapter endpoint: store the bytes, return the
// descriptor the client embeds verbatim.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	f, fh, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file required")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadSize))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}

	// Filenames often arrive URL-encoded with "+" for spaces; store them readable.
	name := strings.TrimSpace(strings.ReplaceAll(fh.Filename, "+", " "))
	id := uuid.New().String()
	size := h.log.PutBlob(id, name, data)
	writeJSON(w, http.StatusCreated, model.Attachment{
		URL:       "/files/" + id,
		Name:      name,
		SizeBytes: size,
	})
}

func (h *Handler) ServeBlob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blobID")
	name, data, ok := h.log.GetBlob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades a subscriber onto its channel topic.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if !strings.HasPrefix(topic, "channel_") {
		http.Error(w, "topic required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("relay upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(h.hub, conn, topic, h.eventRate, h.eventBurst)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
