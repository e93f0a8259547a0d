package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"skyledger/internal/model"
)

const (
	ledgerServiceName = "skyledger.LedgerService"
	eventServiceName  = "skyledger.EventService"
)

type TransferRequest struct {
	SourceAccountID    string `json:"source_account_id"`
	DestinationAddress string `json:"destination_address"`
	Amount             int64  `json:"amount"`
	Memo               string `json:"memo,omitempty"`
}

type TransferResponse struct {
	Status               model.Status `json:"status"`
	SourceBalance        int64        `json:"source_balance"`
	DebitRecordID        string       `json:"debit_record_id,omitempty"`
	CreditRecordID       string       `json:"credit_record_id,omitempty"`
	DestinationAccountID string       `json:"destination_account_id,omitempty"`
	DestinationName      string       `json:"destination_display_name,omitempty"`
	Timestamp            time.Time    `json:"timestamp,omitzero"`
	CaseID               string       `json:"case_id,omitempty"`
	Stage                string       `json:"stage,omitempty"`
}

type ResolveRequest struct {
	Address string `json:"address"`
}

type AccountRequest struct {
	AccountID string `json:"account_id"`
}

type HistoryResponse struct {
	Records []model.Record `json:"records"`
}

type EventRequest struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

type EventResponse struct {
	Success bool `json:"success"`
}

type LedgerServiceServer interface {
	Transfer(context.Context, *TransferRequest) (*TransferResponse, error)
	Resolve(context.Context, *ResolveRequest) (*model.AccountRef, error)
	GetAccount(context.Context, *AccountRequest) (*model.Account, error)
	History(context.Context, *AccountRequest) (*HistoryResponse, error)
	WatchAccount(*AccountRequest, grpc.ServerStreamingServer[model.Account]) error
}

type EventServiceServer interface {
	Publish(context.Context, *EventRequest) (*EventResponse, error)
}

// unary builds a method descriptor around a typed handler.
func unary[S, Req, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ledgerServiceName, "Transfer", LedgerServiceServer.Transfer),
		unary(ledgerServiceName, "Resolve", LedgerServiceServer.Resolve),
		unary(ledgerServiceName, "GetAccount", LedgerServiceServer.GetAccount),
		unary(ledgerServiceName, "History", LedgerServiceServer.History),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchAccount",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(AccountRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(LedgerServiceServer).WatchAccount(in, &grpc.GenericServerStream[AccountRequest, model.Account]{ServerStream: stream})
			},
		},
	},
	Metadata: "skyledger/ledger",
}

var EventServiceDesc = grpc.ServiceDesc{
	ServiceName: eventServiceName,
	HandlerType: (*EventServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(eventServiceName, "Publish", EventServiceServer.Publish),
	},
	Metadata: "skyledger/events",
}

// LedgerClient calls a remote LedgerService.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.ForceCodec(jsonCodec{})}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) Transfer(ctx context.Context, in *TransferRequest, opts ...grpc.CallOption) (*TransferResponse, error) {
	return invoke[TransferResponse](ctx, c.cc, "/"+ledgerServiceName+"/Transfer", in, opts)
}

func (c *LedgerClient) Resolve(ctx context.Context, in *ResolveRequest, opts ...grpc.CallOption) (*model.AccountRef, error) {
	return invoke[model.AccountRef](ctx, c.cc, "/"+ledgerServiceName+"/Resolve", in, opts)
}

func (c *LedgerClient) GetAccount(ctx context.Context, in *AccountRequest, opts ...grpc.CallOption) (*model.Account, error) {
	return invoke[model.Account](ctx, c.cc, "/"+ledgerServiceName+"/GetAccount", in, opts)
}

func (c *LedgerClient) History(ctx context.Context, in *AccountRequest, opts ...grpc.CallOption) (*HistoryResponse, error) {
	return invoke[HistoryResponse](ctx, c.cc, "/"+ledgerServiceName+"/History", in, opts)
}

func (c *LedgerClient) WatchAccount(ctx context.Context, in *AccountRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[model.Account], error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(jsonCodec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &LedgerServiceDesc.Streams[0], "/"+ledgerServiceName+"/WatchAccount", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[AccountRequest, model.Account]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// EventClient publishes to a remote EventService.
type EventClient struct {
	cc grpc.ClientConnInterface
}

func NewEventClient(cc grpc.ClientConnInterface) *EventClient {
	return &EventClient{cc: cc}
}

func (c *EventClient) Publish(ctx context.Context, in *EventRequest, opts ...grpc.CallOption) (*EventResponse, error) {
	return invoke[EventResponse](ctx, c.cc, "/"+eventServiceName+"/Publish", in, opts)
}
