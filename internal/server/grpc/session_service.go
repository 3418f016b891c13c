package grpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	sessionpb "github.com/tripwire/honeypot/internal/server/grpc/sessionpb"
	ws "github.com/tripwire/honeypot/internal/server/websocket"
)

// SessionService implements sessionpb.SessionServiceServer.
type SessionService struct {
	sessionpb.UnimplementedSessionServiceServer

	registry    Registry
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewSessionService creates a SessionService wired to registry (the
// acceptor's live-session tracker) and broadcaster (the dashboard's
// WebSocket fan-out).
func NewSessionService(registry Registry, broadcaster Broadcaster, logger *slog.Logger) *SessionService {
	return &SessionService{
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Register satisfies the register callback expected by New, binding this
// service to srv under the generated package's registration function.
func (s *SessionService) Register(srv *grpc.Server) {
	sessionpb.RegisterSessionServiceServer(srv, s)
}

// GetLiveSessionCount reports how many sessions the acceptor is currently
// handling.
func (s *SessionService) GetLiveSessionCount(ctx context.Context, _ *sessionpb.Empty) (*sessionpb.LiveSessionCountResponse, error) {
	cn, _ := SessionCNFromContext(ctx)
	count := int64(s.registry.LiveCount())
	s.logger.Debug("grpc: live session count queried", slog.String("caller_cn", cn), slog.Int64("count", count))
	return &sessionpb.LiveSessionCountResponse{Count: count}, nil
}

// ForceCloseSession closes the connection of the named live session, the
// same mechanism a forced-handoff classification triggers internally.
// Closing a session that is not currently live is reported, not treated as
// an error — by the time an operator issues the command the session may
// have already ended on its own.
func (s *SessionService) ForceCloseSession(ctx context.Context, req *sessionpb.ForceCloseRequest) (*sessionpb.ForceCloseResponse, error) {
	if req.GetSessionId() == "" {
		return nil, status.Error(codes.InvalidArgument, "force_close_session: session_id is required")
	}

	cn, _ := SessionCNFromContext(ctx)
	closed := s.registry.ForceClose(req.GetSessionId())

	s.logger.Info("grpc: force close requested",
		slog.String("caller_cn", cn),
		slog.String("session_id", req.GetSessionId()),
		slog.Bool("closed", closed),
	)

	return &sessionpb.ForceCloseResponse{Closed: closed}, nil
}

// StreamSessionEvents streams every newly classified session event to the
// caller until the client disconnects or the server shuts down. It is the
// gRPC counterpart to the dashboard's WebSocket feed, backed by the same
// Broadcaster so a session is classified exactly once regardless of which
// transport is watching.
func (s *SessionService) StreamSessionEvents(_ *sessionpb.StreamSessionEventsRequest, stream sessionpb.SessionService_StreamSessionEventsServer) error {
	ctx := stream.Context()
	cn, _ := SessionCNFromContext(ctx)
	s.logger.Info("grpc: session event stream opened", slog.String("caller_cn", cn))

	ch := s.broadcaster.Subscribe(ctx)
	defer s.broadcaster.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			dataJSON, err := json.Marshal(evt.Data)
			if err != nil {
				s.logger.Warn("grpc: marshal session event data failed", slog.Any("error", err))
				continue
			}
			pbEvt := &sessionpb.SessionEvent{
				SessionId: evt.SessionID,
				Tag:       evt.Tag,
				DataJson:  dataJSON,
				Ts:        evt.Ts,
			}
			if err := stream.Send(pbEvt); err != nil {
				return err
			}
		}
	}
}
