package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"tradedesk/internal/broadcast"
	"tradedesk/internal/channel"
)

// UpdatesStreamMethod is the full gRPC method name of the push stream.
const UpdatesStreamMethod = "/tradedesk.live.v1.Updates/Stream"

// ErrReceiveOnly is returned by Send on a gRPC stream connection; the
// subscription is fixed by the opening request.
var ErrReceiveOnly = errors.New("live: grpc stream is receive-only")

// UpdatesStreamer is the service implementation type.
type UpdatesStreamer interface {
	StreamUpdates(req *structpb.Struct, stream grpc.ServerStream) error
}

var updatesServiceDesc = grpc.ServiceDesc{
	ServiceName: "tradedesk.live.v1.Updates",
	HandlerType: (*UpdatesStreamer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       updatesStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tradedesk/live/v1/updates.proto",
}

func updatesStreamHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(UpdatesStreamer).StreamUpdates(req, stream)
}

// GRPCServer streams broadcast messages as google.protobuf.Struct values.
// The request struct may carry "subjects" (list of strings) and
// "snapshot" (bool).
type GRPCServer struct {
	hub   *broadcast.Broadcaster
	state StateSource
	log   *slog.Logger
}

var _ UpdatesStreamer = (*GRPCServer)(nil)

// NewGRPCServer creates the push stream service.
func NewGRPCServer(hub *broadcast.Broadcaster, state StateSource, log *slog.Logger) *GRPCServer {
	if log == nil {
		log = slog.Default()
	}
	return &GRPCServer{hub: hub, state: state, log: log.With("component", "grpc")}
}

// RegisterGRPC registers the service on gs.
func (s *GRPCServer) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&updatesServiceDesc, s)
}

// StreamUpdates sends the optional snapshot, then live messages until the
// client goes away.
func (s *GRPCServer) StreamUpdates(req *structpb.Struct, stream grpc.ServerStream) error {
	subjects, snapshot := parseStreamRequest(req)
	sub := s.hub.Subscribe(subjects)
	defer s.hub.Unsubscribe(sub)

	s.log.Info("grpc observer subscribed", "sub", sub.ID, "subjects", subjects)

	if snapshot {
		for _, msg := range broadcast.Snapshot(sub, s.state.Accounts(), s.state.Positions) {
			if !sub.Admit(msg) {
				continue
			}
			if err := sendMessage(stream, msg); err != nil {
				return err
			}
		}
	}

	ctx := stream.Context()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			s.log.Info("grpc observer disconnected", "sub", sub.ID, "dropped", sub.Dropped())
			if errors.Is(err, context.Canceled) || errors.Is(err, broadcast.ErrClosed) {
				return nil
			}
			return err
		}
		if !sub.Admit(msg) {
			continue
		}
		if err := sendMessage(stream, msg); err != nil {
			return err
		}
	}
}

func parseStreamRequest(req *structpb.Struct) ([]string, bool) {
	var subjects []string
	snapshot := false
	if req == nil {
		return nil, false
	}
	if v, ok := req.GetFields()["subjects"]; ok {
		for _, item := range v.GetListValue().GetValues() {
			if s := item.GetStringValue(); s != "" {
				subjects = append(subjects, s)
			}
		}
	}
	if v, ok := req.GetFields()["snapshot"]; ok {
		snapshot = v.GetBoolValue()
	}
	return subjects, snapshot
}

func sendMessage(stream grpc.ServerStream, msg broadcast.Message) error {
	st, err := messageStruct(msg)
	if err != nil {
		return err
	}
	return stream.SendMsg(st)
}

// messageStruct converts msg through its JSON form so the Struct matches
// what websocket observers receive.
func messageStruct(msg broadcast.Message) (*structpb.Struct, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	st := new(structpb.Struct)
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("converting message: %w", err)
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------------

// GRPCDialer opens the push stream for a channel.Channel. Every connection
// asks for a snapshot first.
type GRPCDialer struct {
	Addr     string
	Subjects []string
	// Options are appended to the default insecure transport option.
	Options []grpc.DialOption
}

var _ channel.Dialer = GRPCDialer{}

// Dial connects and sends the stream request.
func (d GRPCDialer) Dial(ctx context.Context) (channel.Conn, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, d.Options...)
	cc, err := grpc.NewClient(d.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", d.Addr, err)
	}

	subjects := make([]any, len(d.Subjects))
	for i, s := range d.Subjects {
		subjects[i] = s
	}
	req, err := structpb.NewStruct(map[string]any{
		"subjects": subjects,
		"snapshot": true,
	})
	if err != nil {
		cc.Close()
		return nil, err
	}

	// The stream outlives ctx, which only bounds the dial.
	sctx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(sctx, &updatesServiceDesc.Streams[0], UpdatesStreamMethod)
	if err == nil {
		err = stream.SendMsg(req)
	}
	if err == nil {
		err = stream.CloseSend()
	}
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("starting stream: %w", err)
	}
	return &grpcConn{cc: cc, stream: stream, cancel: cancel}, nil
}

type grpcConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Recv returns the next message in its JSON form.
func (g *grpcConn) Recv(ctx context.Context) ([]byte, error) {
	st := new(structpb.Struct)
	if err := g.stream.RecvMsg(st); err != nil {
		return nil, err
	}
	return protojson.Marshal(st)
}

func (g *grpcConn) Send(context.Context, []byte) error {
	return ErrReceiveOnly
}

func (g *grpcConn) Close() error {
	g.cancel()
	return g.cc.Close()
}
