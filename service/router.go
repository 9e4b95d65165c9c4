package service

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"codenearby/config"
	"codenearby/log"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// public API prices in tokens
const (
	costNearby  = 1
	costSearch  = 2
	costProfile = 1
)

const Banner = `
   ___         _      _  _                 _
  / __|___  __| |___ | \| |___ __ _ _ _ | |__ _  _
 | (__/ _ \/ _' / -_)| .' / -_) _' | '_|| '_ \ || |
  \___\___/\__,_\___||_|\_\___\__,_|_|  |_.__/\_, |
                                              |__/`

type api struct {
	cfg  config.Config
	deps Deps
}

// NewServer returns the HTTP server for cfg. It is started and stopped by
// the supervisor tree.
func NewServer(cfg config.Config, deps Deps) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           NewRouter(cfg, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
}

// PrintBanner logs the banner and where the server listens.
func PrintBanner(cfg config.Config) {
	log.Logger().Info().
		Str("addr", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))).
		Msg(Banner)
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	a := &api{cfg: cfg, deps: deps}
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(instrument)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", APIKeyHeader, RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, TokensRemainingHeader, TokensResetHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.Security.RateLimit > 0 {
		r.Use(httprate.Limit(cfg.Security.RateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				failWith(w, r, http.StatusTooManyRequests, CodeTooManyRequests, "too many requests, slow down")
			}),
		))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		failWith(w, r, http.StatusNotFound, CodeNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		failWith(w, r, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
	})

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/github/login", a.githubLogin)
			r.Get("/github/callback", a.githubCallback)
			r.Post("/logout", a.logout)
			r.With(deps.Sessions.RequireSession(fail)).Get("/session", a.session)
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Sessions.RequireSession(fail))

			r.Route("/users", func(r chi.Router) {
				r.Get("/me", a.me)
				r.Patch("/me", a.updateMe)
				r.Put("/me/location", a.updateLocation)
				r.Post("/me/refresh", a.refreshProfile)
				r.Post("/me/avatar", a.uploadAvatar)
				r.Get("/search", a.searchUsers)
				r.Get("/{login}", a.userProfile)
				r.Get("/{login}/posts", a.postsByAuthor)
			})

			r.Get("/developers/nearby", a.nearby)
			r.Get("/developers/discover", a.discover)
			r.Get("/developers/github", a.githubByLocation)

			r.Route("/friends", func(r chi.Router) {
				r.Post("/requests", a.sendFriendRequest)
				r.Get("/requests", a.listFriendRequests)
				r.Post("/requests/{id}/accept", a.acceptFriendRequest)
				r.Post("/requests/{id}/reject", a.rejectFriendRequest)
				r.Delete("/requests/{id}", a.cancelFriendRequest)
				r.Get("/", a.friends)
				r.Delete("/{id}", a.removeFriend)
			})

			r.Route("/messages", func(r chi.Router) {
				r.Get("/", a.conversations)
				r.Post("/", a.sendMessage)
				r.Get("/{userID}", a.conversation)
				r.Post("/{userID}/read", a.markRead)
			})

			r.Route("/match", func(r chi.Router) {
				r.Get("/candidates", a.candidates)
				r.Post("/swipes", a.swipe)
				r.Get("/connections", a.connections)
			})

			r.Route("/gatherings", func(r chi.Router) {
				r.Post("/", a.createGathering)
				r.Get("/", a.activeGatherings)
				r.Route("/{slug}", func(r chi.Router) {
					r.Get("/", a.getGathering)
					r.Delete("/", a.deleteGathering)
					r.Post("/join", a.joinGathering)
					r.Post("/leave", a.leaveGathering)
					r.Get("/messages", a.gatheringMessages)
					r.Post("/messages", a.sendGatheringMessage)
					r.Get("/polls", a.polls)
					r.Post("/polls", a.createPoll)
					r.Post("/polls/{pollID}/votes", a.votePoll)
					r.Post("/polls/{pollID}/close", a.closePoll)
					r.Get("/ws", a.gatheringSocket)
				})
			})

			r.Route("/posts", func(r chi.Router) {
				r.Get("/", a.listPosts)
				r.Post("/", a.createPost)
				r.Get("/{id}", a.getPost)
				r.Delete("/{id}", a.deletePost)
				r.Post("/{id}/vote", a.votePost)
			})

			r.Post("/issues", a.reportIssue)

			r.Route("/billing", func(r chi.Router) {
				r.Get("/account", a.account)
				r.Post("/upgrade", a.upgrade)
				r.Get("/keys", a.listKeys)
				r.Post("/keys", a.createKey)
				r.Delete("/keys/{id}", a.revokeKey)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(deps.Authorizer.Authorize(fail))
				r.Get("/issues", a.listIssues)
				r.Patch("/issues/{id}", a.setIssueStatus)
			})
		})
	})

	r.Route("/public/v1", func(r chi.Router) {
		r.Use(a.requireAPIKey)
		r.With(a.spend(costNearby)).Get("/developers/nearby", a.publicNearby)
		r.With(a.spend(costSearch)).Get("/developers/search", a.publicSearch)
		r.With(a.spend(costProfile)).Get("/developers/{login}", a.publicProfile)
	})

	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if a.deps.DB != nil {
		if err := a.deps.DB.Ping(ctx); err != nil {
			log.Ctx(r.Context()).Error().Err(err).Msg("health check: mongo unreachable")
			failWith(w, r, http.StatusServiceUnavailable, CodeUnavailable, "database unreachable")
			return
		}
	}
	ok(w, map[string]string{"status": "ok"})
}
