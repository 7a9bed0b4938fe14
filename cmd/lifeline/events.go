package main

import (
	"context"
	"net/http"
	"time"

	"lifeline/internal/constants"
	"lifeline/internal/metrics"
	"lifeline/internal/middleware"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// handleEvents streams engine events to a websocket client as JSON
// messages. The optional types query parameter filters the stream.
// The connection is closed when the engine hub shuts down.
func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Streams outlive the server write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		sub := s.engine.Subscribe(eventTypes(r.URL.Query().Get("types"))...)
		defer sub.Close()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Websocket upgrade failed")
			return
		}
		defer conn.CloseNow()

		log := s.logger.WithFields(logrus.Fields{
			"remote_ip": middleware.ClientIP(r),
			"filter":    r.URL.Query().Get("types"),
		})
		log.Info("Event stream opened")
		metrics.AddToGauge("event_streams_active", 1, nil, "Open websocket event streams")
		defer metrics.AddToGauge("event_streams_active", -1, nil, "Open websocket event streams")

		// Client frames are ignored; CloseRead cancels ctx when the peer goes away.
		ctx := conn.CloseRead(r.Context())
		ping := time.NewTicker(time.Duration(constants.EventPingIntervalSec) * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Debug("Event stream closed by client")
				return
			case <-ping.C:
				if err := s.withWriteTimeout(ctx, conn.Ping); err != nil {
					log.WithError(err).Debug("Event stream ping failed")
					return
				}
			case ev, ok := <-sub.C:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
				err := s.withWriteTimeout(ctx, func(wctx context.Context) error {
					return wsjson.Write(wctx, conn, ev)
				})
				if err != nil {
					log.WithError(err).Debug("Event stream write failed")
					return
				}
				metrics.IncrementCounter("event_stream_messages_total", map[string]string{"type": string(ev.Type)}, "Events written to websocket streams")
			}
		}
	}
}

func (s *Server) withWriteTimeout(ctx context.Context, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, time.Duration(constants.EventWriteTimeoutSec)*time.Second)
	defer cancel()
	return fn(wctx)
}
