package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"TrackCastServer/envelope"
	iface "TrackCastServer/interface"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Detect(ctx context.Context, dets []iface.Detection, opts ...grpc.CallOption) (envelope.Sealed, error) {
	if dets == nil {
		dets = []iface.Detection{}
	}
	body, err := json.Marshal(dets)
	if err != nil {
		return envelope.Sealed{}, fmt.Errorf("marshal detections: %w", err)
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, DetectMethod, wrapperspb.Bytes(body), out, opts...); err != nil {
		return envelope.Sealed{}, err
	}
	var sealed envelope.Sealed
	if err := json.Unmarshal(out.GetValue(), &sealed); err != nil {
		return envelope.Sealed{}, fmt.Errorf("unmarshal sealed envelope: %w", err)
	}
	return sealed, nil
}

// Subscription yields wire messages from a Subscribe stream.
type Subscription struct {
	stream grpc.ClientStream
}

func (c *Client) Subscribe(ctx context.Context, opts ...grpc.CallOption) (*Subscription, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next message; it returns io.EOF when the server ends the stream.
func (s *Subscription) Recv() (envelope.Message, error) {
	in := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(in); err != nil {
		return envelope.Message{}, err
	}
	return envelope.DecodeMessage(in.GetValue())
}
