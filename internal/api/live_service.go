package api

import (
	"context"
	"time"

	"github.com/matheus3301/chatmerge/internal/live"
	"github.com/matheus3301/chatmerge/internal/status"
	"github.com/matheus3301/chatmerge/internal/wa"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// LastSyncKey is the checkpoint recording when the last live sync finished.
const LastSyncKey = "live.last_sync"

// LiveSource is the remote service behind the live API.
type LiveSource interface {
	live.Source
	StartQRAuth(ctx context.Context, machine *status.Machine) (<-chan wa.AuthEvent, error)
	IsLoggedIn() bool
	OwnIdentity() string
}

// Checkpoints persists small key/value markers in the target archive.
type Checkpoints interface {
	SetCheckpoint(ctx context.Context, key, value string) error
	Checkpoint(ctx context.Context, key string) (string, error)
}

// LiveService implements chatmerge.v1.LiveService.
type LiveService struct {
	src      LiveSource
	ingestor *live.Ingestor
	conn     *status.Machine
	marks    Checkpoints
	profile  string
	logger   *zap.Logger
}

// NewLiveService creates the live service. src may be nil when the daemon
// runs without a live source.
func NewLiveService(src LiveSource, ingestor *live.Ingestor, conn *status.Machine, marks Checkpoints, profile string, logger *zap.Logger) *LiveService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveService{src: src, ingestor: ingestor, conn: conn, marks: marks, profile: profile, logger: logger}
}

// Login streams QR codes until pairing ends.
func (s *LiveService) Login(_ *structpb.Struct, stream EventStream) error {
	if s.src == nil {
		return grpcstatus.Error(codes.Unavailable, "live source not initialized")
	}
	if s.src.IsLoggedIn() {
		return s.sendAuth(stream, wa.AuthEvent{Type: wa.AuthEventAuthenticated, Message: "already logged in"})
	}

	authCh, err := s.src.StartQRAuth(stream.Context(), s.conn)
	if err != nil {
		return grpcstatus.Errorf(codes.Internal, "start auth: %v", err)
	}
	for evt := range authCh {
		if err := s.sendAuth(stream, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *LiveService) sendAuth(stream EventStream, evt wa.AuthEvent) error {
	env, err := envelope(s.profile, "live.auth", time.Now(), map[string]any{
		"type":    string(evt.Type),
		"qr_code": evt.QRCode,
		"message": evt.Message,
	})
	if err != nil {
		return grpcstatus.Errorf(codes.Internal, "encode auth event: %v", err)
	}
	return stream.Send(env)
}

// Sync pulls the listed conversations, or all of them, into the archive.
func (s *LiveService) Sync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.src == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "live source not initialized")
	}
	if st := s.conn.Current(); st != status.Ready {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "live source is %s", st)
	}

	done, err := s.ingestor.Sync(ctx, s.src, stringList(in, "conversations"))
	if err != nil {
		return nil, rpcError(err)
	}
	if !done.Stopped && s.marks != nil {
		at := time.Now().UTC().Format(time.RFC3339)
		if err := s.marks.SetCheckpoint(context.WithoutCancel(ctx), LastSyncKey, at); err != nil {
			s.logger.Warn("record sync checkpoint", zap.Error(err))
		}
	}
	return respond(EventFields(done))
}

// Status reports the connection state, the linked account and when the last
// pull sync finished.
func (s *LiveService) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"profile":   s.profile,
		"state":     string(s.conn.Current()),
		"logged_in": false,
		"identity":  "",
		"last_sync": "",
	}
	if s.src != nil {
		resp["logged_in"] = s.src.IsLoggedIn()
		resp["identity"] = s.src.OwnIdentity()
	}
	if s.marks != nil {
		last, err := s.marks.Checkpoint(ctx, LastSyncKey)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "read checkpoint: %v", err)
		}
		resp["last_sync"] = last
	}
	return respond(resp)
}
