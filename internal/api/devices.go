package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nugget/gridsense/internal/command"
	"github.com/nugget/gridsense/internal/mqtt"
)

// commandAccepted is the body of a successful command request.
type commandAccepted struct {
	Message  string            `json:"message"`
	Topic    string            `json:"topic"`
	Envelope *command.Envelope `json:"envelope"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	user := userFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, command.PublicMessage(command.ErrInvalidCommand))
		return
	}

	opts := command.Options{Source: command.SourceAPI}
	if user != nil {
		opts.IssuedBy = user.ID
		opts.OwnerID = user.ID
	}

	env, err := s.deps.Commands.Dispatch(r.Context(), channelID, body, opts)
	if err != nil {
		status := commandErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("command dispatch failed", "channel_id", channelID, "error", err)
		}
		s.errorResponse(w, status, command.PublicMessage(err))
		return
	}

	writeJSON(w, http.StatusAccepted, commandAccepted{
		Message:  "Command accepted",
		Topic:    s.deps.Commands.Topic(channelID),
		Envelope: env,
	}, s.logger)
}

func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, command.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, command.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, mqtt.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, mqtt.ErrPublishTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
