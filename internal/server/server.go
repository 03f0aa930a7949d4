// Package server provides the HTTP API and handlers.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/feed"
	"github.com/bryan-buckman/feedsync/internal/ledger"
	"github.com/bryan-buckman/feedsync/internal/media"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/opml"
	"github.com/bryan-buckman/feedsync/internal/source"
)

// Options carries the server's collaborators. Media, Poller and Metrics may be nil.
type Options struct {
	Store         database.Store
	Engine        *feed.Engine
	Ledger        *ledger.Manager
	Media         *media.FileStore
	Poller        *feed.Poller
	Metrics       *metrics.Metrics
	Subscriptions []opml.Subscription
}

// Server is the main HTTP server.
type Server struct {
	db      database.Store
	engine  *feed.Engine
	ledger  *ledger.Manager
	media   *media.FileStore
	poller  *feed.Poller
	metrics *metrics.Metrics
	subs    []opml.Subscription
	router  chi.Router
}

// New creates a new server.
func New(opts Options) *Server {
	s := &Server{
		db:      opts.Store,
		engine:  opts.Engine,
		ledger:  opts.Ledger,
		media:   opts.Media,
		poller:  opts.Poller,
		metrics: opts.Metrics,
		subs:    opts.Subscriptions,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	if s.media != nil {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.media.Root()))))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/feeds/{category}", func(r chi.Router) {
			r.Get("/", s.handleFeedState)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/load-more", s.handleLoadMore)
			r.Get("/export", s.handleExportListing)
			r.Get("/ws", s.handleFeedWS)
		})
		r.Route("/posts/{postID}", func(r chi.Router) {
			r.Put("/like", s.handleSetLiked(true))
			r.Delete("/like", s.handleSetLiked(false))
			r.Put("/follow", s.handleSetFollowed(true))
			r.Delete("/follow", s.handleSetFollowed(false))
		})
		r.Route("/user-posts", func(r chi.Router) {
			r.Get("/", s.handleListUserPosts)
			r.Post("/", s.handleCreateUserPost)
			r.Delete("/", s.handleClearUserPosts)
			r.Get("/export", s.handleExportUserPosts)
			r.Delete("/{postID}", s.handleDeleteUserPost)
		})
		r.Post("/media", s.handleUploadMedia)
		r.Get("/subscriptions.opml", s.handleExportOPML)
		r.Get("/stats", s.handleStats)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the poller and serves until the listener fails.
func (s *Server) Start(addr string) error {
	if s.poller != nil {
		s.poller.Start()
	}
	log.Infof("Server starting on %s", addr)
	return http.ListenAndServe(addr, s.router)
}

// Stop stops the poller.
func (s *Server) Stop() {
	if s.poller != nil {
		s.poller.Stop()
	}
}

// --- Feed Handlers ---

func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*feed.Controller, bool) {
	c, err := model.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	fc, ok := s.engine.Controller(c)
	if !ok {
		http.Error(w, fmt.Sprintf("category %s is not served", c), http.StatusNotFound)
		return nil, false
	}
	return fc, true
}

func (s *Server) handleFeedState(w http.ResponseWriter, r *http.Request) {
	fc, ok := s.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, fc.State())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	fc, ok := s.controller(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	res, err := fc.Refresh(ctx)
	if err != nil {
		writeFeedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"result": res,
		"state":  fc.State(),
	})
}

func (s *Server) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	fc, ok := s.controller(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	res, err := fc.LoadMore(ctx)
	if err != nil {
		writeFeedError(w, err)
		return
	}
	status := "ok"
	if res.NoMoreData {
		status = "no_more_data"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"result": res,
		"state":  fc.State(),
	})
}

func (s *Server) handleExportListing(w http.ResponseWriter, r *http.Request) {
	fc, ok := s.controller(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if _, err := source.WriteListing(r.Context(), s.db, fc.Category(), &buf); err != nil {
		log.Errorf("Error exporting %s listing: %v", fc.Category(), err)
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=PostListData_%s.json", fc.Category()))
	w.Write(buf.Bytes())
}

// --- Interaction Handlers ---

func (s *Server) handleSetLiked(liked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.interact(w, r, func(ctx context.Context, id int64) (model.Post, error) {
			return s.engine.SetLiked(ctx, id, liked)
		})
	}
}

func (s *Server) handleSetFollowed(followed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.interact(w, r, func(ctx context.Context, id int64) (model.Post, error) {
			return s.engine.SetFollowed(ctx, id, followed)
		})
	}
}

func (s *Server) interact(w http.ResponseWriter, r *http.Request, apply func(context.Context, int64) (model.Post, error)) {
	id, ok := postID(w, r)
	if !ok {
		return
	}
	p, err := apply(r.Context(), id)
	switch {
	case errors.Is(err, feed.ErrUnknownPost):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		log.WithField("post_id", id).Errorf("Error updating post: %v", err)
		http.Error(w, "Failed to update post", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- User Post Handlers ---

func (s *Server) handleListUserPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.ledger.Load()
	if err != nil {
		log.Errorf("Error loading user posts: %v", err)
		http.Error(w, "Failed to load user posts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"list":       posts,
		"totalCount": len(posts),
	})
}

func (s *Server) handleCreateUserPost(w http.ResponseWriter, r *http.Request) {
	var draft model.Post
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	p, err := s.ledger.Create(r.Context(), draft)
	switch {
	case errors.Is(err, model.ErrImagesAndVideo):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Errorf("Error creating user post: %v", err)
		http.Error(w, "Failed to create post", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleDeleteUserPost(w http.ResponseWriter, r *http.Request) {
	id, ok := postID(w, r)
	if !ok {
		return
	}
	removed, err := s.ledger.Delete(r.Context(), id)
	if err != nil {
		log.WithField("post_id", id).Errorf("Error deleting user post: %v", err)
		http.Error(w, "Failed to delete post", http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "Post not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClearUserPosts(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Clear(r.Context()); err != nil {
		log.Errorf("Error clearing user posts: %v", err)
		http.Error(w, "Failed to clear user posts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExportUserPosts(w http.ResponseWriter, r *http.Request) {
	data, ok, err := s.ledger.Export()
	if err != nil {
		log.Errorf("Error exporting user posts: %v", err)
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "No user posts yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename="+ledger.DefaultFileName)
	w.Write(data)
}

// handleUploadMedia stores the request body as an image, or as a video when
// kind=video, and returns its reference.
func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		http.Error(w, "Media storage disabled", http.StatusNotFound)
		return
	}
	kind := model.MediaImages
	if r.URL.Query().Get("kind") == "video" {
		kind = model.MediaVideo
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<20))
	if err != nil || len(data) == 0 {
		http.Error(w, "No media provided", http.StatusBadRequest)
		return
	}
	ref, err := s.media.Save(data, kind)
	if err != nil {
		log.Errorf("Error saving media: %v", err)
		http.Error(w, "Failed to save media", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

// --- Misc Handlers ---

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	data, err := opml.Export("feedsync subscriptions", s.subs, time.Now())
	if err != nil {
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=feedsync-subscriptions.opml")
	w.Write(data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := database.Stats(r.Context(), s.db)
	if err != nil {
		log.Errorf("Error computing stats: %v", err)
		http.Error(w, "Failed to compute stats", http.StatusInternalServerError)
		return
	}
	counts := make(map[string]int, len(stats))
	total := 0
	for c, n := range stats {
		counts[c.String()] = n
		total += n
	}
	resp := map[string]interface{}{
		"database":   s.db.DatabaseType(),
		"categories": counts,
		"total":      total,
	}
	if n, err := s.ledger.Count(); err == nil {
		resp["userPosts"] = n
	}
	if s.media != nil {
		if size, err := s.media.Size(); err == nil {
			resp["mediaBytes"] = size
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PollingInterval int `json:"polling_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	// Enforce minimum.
	if req.PollingInterval < database.MinPollingIntervalMinutes {
		req.PollingInterval = database.MinPollingIntervalMinutes
	}
	if err := s.db.SetSetting(r.Context(), database.SettingPollingInterval, strconv.Itoa(req.PollingInterval)); err != nil {
		http.Error(w, "Failed to save", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "polling_interval": req.PollingInterval})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"polling_interval": database.PollingInterval(r.Context(), s.db),
	})
}

// --- Helpers ---

func postID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid post id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Error encoding response: %v", err)
	}
}

func writeFeedError(w http.ResponseWriter, err error) {
	var srcErr *source.SourceError
	switch {
	case errors.Is(err, feed.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "busy", "error": err.Error()})
	case errors.Is(err, feed.ErrAtCapacity):
		writeJSON(w, http.StatusOK, map[string]string{"status": "at_capacity"})
	case errors.As(err, &srcErr):
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "error", "error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
	}
}
