package app

import (
	"net/http"
	"runtime"

	"github.com/Mijyuoon/MijDiscord/bot"
	"github.com/Mijyuoon/MijDiscord/cache"
	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/log"
	"github.com/Mijyuoon/MijDiscord/metrics"
	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/lancer-kit/armory/api/render"
	"github.com/lancer-kit/uwe/v2/presets/api"
	"github.com/rs/zerolog"
)

func GetServer(logger zerolog.Logger, cfg config.Cfg, b *bot.Bot, m *metrics.Collector) *api.Server {
	return api.NewServer(cfg.API, getRouter(logger, cfg, b, m))
}

func getRouter(logger zerolog.Logger, cfg config.Cfg, b *bot.Bot, m *metrics.Collector) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(log.Middleware(logger))

	if cfg.API.EnableCORS {
		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300, // Maximum value not ignored by any of major browsers
		})
		r.Use(corsHandler.Handler)
	}

	h := handler{log: logger, bot: b, metrics: m}

	r.Route("/_bot", func(r chi.Router) {
		r.Get("/gc", func(http.ResponseWriter, *http.Request) { runtime.GC() })
		r.Get("/info", func(w http.ResponseWriter, r *http.Request) { render.Success(w, config.App) })
		r.Get("/status", h.status)
		r.Get("/servers", h.servers)
		r.Get("/stats", h.stats)
	})
	r.Handle("/metrics", m.Handler())
	return r
}

type handler struct {
	log     zerolog.Logger
	bot     *bot.Bot
	metrics *metrics.Collector
}

type statusResponse struct {
	Connected bool            `json:"connected"`
	State     string          `json:"state"`
	Session   string          `json:"session,omitempty"`
	Sequence  int64           `json:"sequence"`
	ClientID  models.ID       `json:"client_id"`
	Username  string          `json:"username,omitempty"`
	Presence  models.Presence `json:"presence"`
	Cache     cache.Stats     `json:"cache"`
}

func (h handler) status(w http.ResponseWriter, _ *http.Request) {
	gw := h.bot.Gateway()
	resp := statusResponse{
		Connected: h.bot.Connected(),
		State:     gw.State().String(),
		ClientID:  h.bot.ClientID(),
		Presence:  h.bot.Presence(),
		Cache:     h.bot.Cache().Stats(),
	}
	if s := gw.Session(); s != nil {
		resp.Session = s.ID()
		resp.Sequence = s.Sequence()
	}
	if p := h.bot.Profile(); p != nil {
		resp.Username = p.Tag()
	}

	render.Success(w, resp)
}

type serverInfo struct {
	ID          models.ID `json:"id"`
	Name        string    `json:"name"`
	MemberCount int       `json:"member_count"`
	Channels    int       `json:"channels"`
}

func (h handler) servers(w http.ResponseWriter, _ *http.Request) {
	list := make([]serverInfo, 0)
	for _, s := range h.bot.Servers() {
		info := serverInfo{ID: s.ID(), Name: s.Name(), MemberCount: s.MemberCount()}
		if sc := h.bot.Cache().ServerCache(s.ID()); sc != nil {
			info.Channels = len(sc.Channels())
		}
		list = append(list, info)
	}

	render.Success(w, list)
}

// stats renders the metric snapshot, null when metrics are disabled.
func (h handler) stats(w http.ResponseWriter, _ *http.Request) {
	render.Success(w, h.metrics)
}
