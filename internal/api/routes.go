package api

// setupRoutes builds the route table. Handlers for optional dependencies
// are only mounted when the dependency is configured.
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/healthz", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	if s.cfg.Store != nil {
		v1.Use(APIKeyAuth(s.cfg.Store, s.cfg.Auth))
	}

	v1.GET("/health", s.handleHealth)

	// A nil *engine.Engine must stay a nil interface inside the handlers.
	var control SessionControl
	var backend StreamBackend
	if s.cfg.Engine != nil {
		control = s.cfg.Engine
		backend = s.cfg.Engine
	}

	if s.cfg.Store != nil {
		NewAgentHandler(s.cfg.Store).RegisterRoutes(v1)
		NewSessionHandler(s.cfg.Store, control).RegisterRoutes(v1)
		NewDecisionsHandler(s.cfg.Store, s.cfg.Embedder, s.cfg.EmbeddingModel).RegisterRoutes(v1)
		NewNotificationsHandler(s.cfg.Store, s.cfg.PushTokenValid).RegisterRoutes(v1)

		if s.cfg.Hub != nil {
			NewStreamHandler(s.cfg.Hub, backend, s.cfg.Store, s.cfg.AllowedOrigins).RegisterRoutes(v1)
		}
	}
	if s.cfg.LinkCodes != nil {
		NewTelegramHandler(s.cfg.LinkCodes).RegisterRoutes(v1)
	}
}
