package streaming

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"github.com/KevinKickass/OpenShotCore/internal/hal"
	"github.com/KevinKickass/OpenShotCore/internal/params"
	"github.com/KevinKickass/OpenShotCore/internal/transport"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestStreamerFanOut(t *testing.T) {
	s := NewSampleStreamer(2)
	tof := s.Subscribe("tof")
	all := s.Subscribe(AllDevices)

	s.Emit(contract.Sample{Device: "tof", Channel: "HEIGHT", Tick: 1})
	s.Emit(contract.Sample{Device: "lift", Channel: "DEMAND", Tick: 1})

	if got := <-tof; got.Device != "tof" {
		t.Errorf("tof subscriber got %+v", got)
	}
	if len(tof) != 0 {
		t.Errorf("tof subscriber received another device's samples")
	}
	if len(all) != 2 {
		t.Errorf("wildcard subscriber has %d samples", len(all))
	}

	// Buffer of two: the third sample for the wildcard is dropped.
	s.Emit(contract.Sample{Device: "tof", Tick: 2})
	if s.Dropped() != 1 {
		t.Errorf("dropped = %d", s.Dropped())
	}

	s.Unsubscribe("tof", tof)
	if _, ok := <-drain(tof); ok {
		t.Error("channel not closed after Unsubscribe")
	}
	if s.Subscribers("tof") != 0 {
		t.Errorf("subscribers = %d", s.Subscribers("tof"))
	}
}

func drain(ch <-chan contract.Sample) <-chan contract.Sample {
	for len(ch) > 0 {
		<-ch
	}
	return ch
}

type resolver map[string]*contract.Device

func (r resolver) Lookup(ref string) (*contract.Device, error) {
	if d, ok := r[ref]; ok {
		return d, nil
	}
	return nil, errcode.New(errcode.NotFound, "test", "device %s not found", ref)
}

func TestSampleToStruct(t *testing.T) {
	id := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 5000, time.UTC)
	msg, err := SampleToStruct(contract.Sample{
		InstanceID: id, Device: "tof", Channel: "HEIGHT", Tick: 7, At: at, Present: true,
		Values: []float64{0.1, 0.2},
	})
	if err != nil {
		t.Fatal(err)
	}
	f := msg.GetFields()
	if f["instance_id"].GetStringValue() != id.String() || f["tick"].GetNumberValue() != 7 || !f["present"].GetBoolValue() {
		t.Errorf("struct = %v", msg)
	}
	if vals := f["values"].GetListValue().GetValues(); len(vals) != 2 || vals[1].GetNumberValue() != 0.2 {
		t.Errorf("values = %v", vals)
	}
	if f["at"].GetStringValue() != "2026-03-01T12:00:00.000005Z" {
		t.Errorf("at = %s", f["at"].GetStringValue())
	}
}

func TestGRPCSubscribeUnknownDevice(t *testing.T) {
	conn := startServer(t, NewSampleService(NewSampleStreamer(8), resolver{}))

	stream, err := conn.NewStream(context.Background(), &SampleStreamServiceDesc.Streams[0], SubscribeMethod)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := structpb.NewStruct(map[string]interface{}{"device": "nope"})
	if err := stream.SendMsg(req); err != nil {
		t.Fatal(err)
	}
	stream.CloseSend()

	err = stream.RecvMsg(new(structpb.Struct))
	if status.Code(err) != codes.NotFound {
		t.Errorf("err = %v", err)
	}
}

func newDevice(t *testing.T, name string) *contract.Device {
	t.Helper()
	desc := &contract.Descriptor{
		Kind:      "TOF_SENSORS",
		GUID:      uuid.MustParse("f71fdc7a-affe-4163-b4b1-3951a4f9dc1f"),
		Rate:      100,
		Transport: contract.TransportDefaults{Kind: transport.KindSDN, Address: "239.0.0.244", Port: 1234},
		Channels: []contract.ChannelSpec{{
			Name: "HEIGHT", Direction: hal.Input, RawShape: 1, PhysShape: 1,
			HAL: "_out := _in * 1. + 0.", MaxMissing: 1,
		}},
	}
	id := uuid.New()
	specs, err := contract.Schema(desc)
	if err != nil {
		t.Fatal(err)
	}
	specs, err = params.WithDefaults(specs, map[string]params.Value{
		contract.PathName:      params.Text(name),
		contract.PathThisGUID:  params.Text(id.String()),
		contract.PathCommsName: params.Text(name),
	})
	if err != nil {
		t.Fatal(err)
	}
	tree, err := params.NewTree(id, specs, nil)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := contract.New(desc, tree, contract.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

func TestGRPCSubscribeStreamsSamples(t *testing.T) {
	streamer := NewSampleStreamer(8)
	dev := newDevice(t, "tof")
	conn := startServer(t, NewSampleService(streamer, resolver{"tof": dev}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.NewStream(ctx, &SampleStreamServiceDesc.Streams[0], SubscribeMethod)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := structpb.NewStruct(map[string]interface{}{"device": "tof", "channel": "height"})
	if err := stream.SendMsg(req); err != nil {
		t.Fatal(err)
	}
	stream.CloseSend()

	for streamer.Subscribers("tof") == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("server never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	id := dev.Identity().InstanceID
	streamer.Emit(contract.Sample{InstanceID: id, Device: "tof", Channel: "FLUX", Tick: 1, Present: true, Values: []float64{9}})
	streamer.Emit(contract.Sample{InstanceID: id, Device: "tof", Channel: "HEIGHT", Tick: 2, Present: true, Values: []float64{0.25}})

	msg := new(structpb.Struct)
	if err := stream.RecvMsg(msg); err != nil {
		t.Fatal(err)
	}
	f := msg.GetFields()
	if f["channel"].GetStringValue() != "HEIGHT" || f["tick"].GetNumberValue() != 2 || f["instance_id"].GetStringValue() != id.String() {
		t.Errorf("streamed %v", msg)
	}
	if vals := f["values"].GetListValue().GetValues(); len(vals) != 1 || vals[0].GetNumberValue() != 0.25 {
		t.Errorf("values = %v", vals)
	}

	cancel()
	for streamer.Subscribers("tof") != 0 {
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGRPCSubscribeRejectsBadChannel(t *testing.T) {
	conn := startServer(t, NewSampleService(NewSampleStreamer(8), resolver{"tof": newDevice(t, "tof")}))

	stream, err := conn.NewStream(context.Background(), &SampleStreamServiceDesc.Streams[0], SubscribeMethod)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := structpb.NewStruct(map[string]interface{}{"device": "tof", "channel": "HE IGHT"})
	stream.SendMsg(req)
	stream.CloseSend()

	if err := stream.RecvMsg(new(structpb.Struct)); status.Code(err) != codes.InvalidArgument {
		t.Errorf("err = %v", err)
	}
}

func startServer(t *testing.T, svc *SampleService) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	svc.Register(server)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
