package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"skyledger/internal/account"
	"skyledger/internal/address"
	"skyledger/internal/feed"
	"skyledger/internal/model"
	"skyledger/internal/service"
	"skyledger/internal/transfer"
)

// Ingester receives change events published by other processes.
type Ingester interface {
	Ingest(ctx context.Context, ev model.AccountEvent)
}

type Server struct {
	svc    service.LedgerService
	events Ingester
	srv    *grpc.Server
	addr   string
	logger *slog.Logger
}

var (
	_ LedgerServiceServer = (*Server)(nil)
	_ EventServiceServer  = (*Server)(nil)
)

// NewServer exposes the ledger and, when events is non-nil, the EventService
// that feeds remote change events into the local hub.
func NewServer(addr string, svc service.LedgerService, events Ingester, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		events: events,
		addr:   addr,
		srv:    grpc.NewServer(grpc.ForceServerCodec(jsonCodec{})),
		logger: logger.With("component", "grpc"),
	}
	s.srv.RegisterService(&LedgerServiceDesc, s)
	if events != nil {
		s.srv.RegisterService(&EventServiceDesc, s)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server is running", "addr", lis.Addr().String())
	return s.srv.Serve(lis)
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

// Transfer reports indeterminate outcomes as a PENDING_REVIEW response rather
// than an error, so clients never read them as a plain failure.
func (s *Server) Transfer(ctx context.Context, req *TransferRequest) (*TransferResponse, error) {
	res, err := s.svc.Transfer(ctx, model.TransferRequest{
		SourceAccountID:    req.SourceAccountID,
		DestinationAddress: req.DestinationAddress,
		Amount:             req.Amount,
		Memo:               req.Memo,
	})

	var indeterminate *transfer.IndeterminateError
	if errors.As(err, &indeterminate) {
		return &TransferResponse{
			Status: model.StatusPendingReview,
			CaseID: indeterminate.CaseID,
			Stage:  string(indeterminate.Stage),
		}, nil
	}
	if err != nil {
		return nil, toStatus(err)
	}

	return &TransferResponse{
		Status:               model.Status(res.Status),
		SourceBalance:        res.SourceBalance,
		DebitRecordID:        res.DebitRecordID,
		CreditRecordID:       res.CreditRecordID,
		DestinationAccountID: res.DestinationID,
		DestinationName:      res.DestinationName,
		Timestamp:            res.Timestamp,
	}, nil
}

func (s *Server) Resolve(ctx context.Context, req *ResolveRequest) (*model.AccountRef, error) {
	ref, err := s.svc.Resolve(ctx, req.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ref, nil
}

func (s *Server) GetAccount(ctx context.Context, req *AccountRequest) (*model.Account, error) {
	acc, err := s.svc.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &acc, nil
}

func (s *Server) History(ctx context.Context, req *AccountRequest) (*HistoryResponse, error) {
	records, err := s.svc.History(ctx, req.AccountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Records: records}, nil
}

// WatchAccount streams the current snapshot and then every newer one until
// the client goes away.
func (s *Server) WatchAccount(req *AccountRequest, stream grpc.ServerStreamingServer[model.Account]) error {
	ctx := stream.Context()
	sub, err := s.svc.WatchAccount(ctx, req.AccountID)
	if err != nil {
		return toStatus(err)
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case acc, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := stream.Send(&acc); err != nil {
				return err
			}
		}
	}
}

// Publish accepts change events from a GrpcBus on another node.
func (s *Server) Publish(ctx context.Context, req *EventRequest) (*EventResponse, error) {
	if !feed.IsFeedTopic(req.Topic) {
		return nil, status.Errorf(codes.InvalidArgument, "unknown topic %q", req.Topic)
	}
	var ev model.AccountEvent
	if err := json.Unmarshal(req.Payload, &ev); err != nil {
		s.logger.Error("failed to unmarshal event", "topic", req.Topic, "error", err)
		return nil, status.Error(codes.InvalidArgument, "malformed event payload")
	}
	s.events.Ingest(ctx, ev)
	return &EventResponse{Success: true}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, transfer.ErrInvalidAmount),
		errors.Is(err, transfer.ErrSelfTransfer),
		errors.Is(err, address.ErrInvalidAddress):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, transfer.ErrAddressNotFound),
		errors.Is(err, transfer.ErrAccountNotFound),
		errors.Is(err, address.ErrNotFound),
		errors.Is(err, account.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, transfer.ErrInsufficientBalance):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, transfer.ErrUnavailable),
		errors.Is(err, account.ErrAborted),
		errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
