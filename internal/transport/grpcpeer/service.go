package grpcpeer

import (
	"google.golang.org/grpc"
)

const (
	serviceName = "collab.v1.PeerExchange"
	exchangeRPC = "/" + serviceName + "/Exchange"
	// peerIDMetadataKey carries the dialing participant's ID on the stream.
	peerIDMetadataKey = "x-collab-peer"
	// tokenMetadataKey carries the dialing participant's signed grant.
	tokenMetadataKey = "x-collab-token"
)

// exchangeServer is the server side of the PeerExchange service. Frames
// on the stream are wrapperspb.BytesValue messages holding wire envelopes.
type exchangeServer interface {
	Exchange(stream grpc.ServerStream) error
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(exchangeServer).Exchange(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "collab/v1/peer.proto",
}
