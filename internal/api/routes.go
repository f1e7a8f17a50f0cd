package api

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/healthz", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(BearerAuth(s.tokens))
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", s.handleCreateSession)
			sessions.GET("/:id", s.handleGetSession)
			sessions.DELETE("/:id", s.handleCloseSession)
			sessions.POST("/:id/join", s.handleJoinSession)
			sessions.POST("/:id/leave", s.handleLeaveSession)
			sessions.POST("/:id/tasks", s.handleAddTask)
			sessions.POST("/:id/tasks/:taskID/veto", s.handleRequestVeto)
			sessions.POST("/:id/handshakes", s.handleHandshake)
			sessions.POST("/:id/handshakes/:handshakeID/complete", s.handleCompleteHandshake)
		}

		delegations := v1.Group("/delegations")
		{
			delegations.POST("", s.handleDelegate)
			delegations.POST("/agents", s.handleRegisterAgent)
		}

		snapshots := v1.Group("/snapshots")
		{
			snapshots.GET("", s.handleListSnapshots)
			snapshots.GET("/:id", s.handleGetSnapshot)
		}
	}
}
