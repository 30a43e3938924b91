package streaming

import (
	"fmt"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/params"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// SampleStreamServer streams physical samples. Requests and responses are
// google.protobuf.Struct messages so clients need no generated stubs:
//
//	request:  {"device": "<name>", "channel": "<optional channel>"}
//	response: {"instance_id", "device", "channel", "tick", "at", "present", "values"}
type SampleStreamServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

const SubscribeMethod = "/openshotcore.SampleStream/Subscribe"

var SampleStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: "openshotcore.SampleStream",
	HandlerType: (*SampleStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "openshotcore/sample_stream.proto",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SampleStreamServer).Subscribe(req, stream)
}

// DeviceResolver maps a device reference to its name.
type DeviceResolver interface {
	Lookup(ref string) (*contract.Device, error)
}

type SampleService struct {
	streamer *SampleStreamer
	devices  DeviceResolver
}

func NewSampleService(streamer *SampleStreamer, devices DeviceResolver) *SampleService {
	return &SampleService{streamer: streamer, devices: devices}
}

// Register adds the service to a gRPC server.
func (s *SampleService) Register(server *grpc.Server) {
	server.RegisterService(&SampleStreamServiceDesc, s)
}

func (s *SampleService) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	fields := req.GetFields()
	ref := fields["device"].GetStringValue()
	if ref == "" {
		return status.Error(codes.InvalidArgument, "device is required")
	}
	dev, err := s.devices.Lookup(ref)
	if err != nil {
		return status.Error(codes.NotFound, err.Error())
	}
	device := dev.Identity().Name
	var channel string
	if raw := fields["channel"].GetStringValue(); raw != "" {
		if channel, err = params.CanonicalPath(raw); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}

	sampleCh := s.streamer.Subscribe(device)
	defer s.streamer.Unsubscribe(device, sampleCh)

	for {
		select {
		case sample, ok := <-sampleCh:
			if !ok {
				return nil
			}
			if channel != "" && sample.Channel != channel {
				continue
			}
			msg, err := SampleToStruct(sample)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// SampleToStruct converts a sample to its wire form.
func SampleToStruct(sample contract.Sample) (*structpb.Struct, error) {
	values := make([]interface{}, len(sample.Values))
	for i, v := range sample.Values {
		values[i] = v
	}
	msg, err := structpb.NewStruct(map[string]interface{}{
		"instance_id": sample.InstanceID.String(),
		"device":      sample.Device,
		"channel":     sample.Channel,
		"tick":        float64(sample.Tick),
		"at":          sample.At.UTC().Format(time.RFC3339Nano),
		"present":     sample.Present,
		"values":      values,
	})
	if err != nil {
		return nil, fmt.Errorf("sample to struct: %w", err)
	}
	return msg, nil
}
