package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/dispatch"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	srv, err := natsserver.Start(cfg.Bus, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Bus.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg.Bus, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestChannelCapabilities(t *testing.T) {
	caps := ChannelCapabilities([]dispatch.ChannelInfo{
		{ID: 0, Synthesis: "mock", Playback: "paced", Usable: true},
		{ID: 1, Synthesis: "http", Playback: "oto", Usable: false},
	})
	if len(caps) != 2 || caps[1].Attributes["channel"] != "1" || caps[1].Attributes["usable"] != "false" {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	client := connect(t)
	cfg := config.Default().Node
	extra := ChannelCapabilities([]dispatch.ChannelInfo{{ID: 0, Synthesis: "mock", Playback: "null", Usable: true}})

	reg, err := NewRegistry(context.Background(), cfg, client, extra, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if !reg.Healthy() {
		t.Fatal("local node should be healthy after announcing")
	}
	if got := reg.LocalCapabilities(); len(got) != 2 {
		t.Fatalf("expected configured plus channel capability, got %+v", got)
	}

	peer, _ := json.Marshal(announceMessage{NodeID: "peer", Role: "tts", Capabilities: extra})
	if err := client.Conn().Publish(SubjectAnnounce, peer); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = client.Conn().Flush()

	deadline := time.Now().Add(2 * time.Second)
	for {
		routes := reg.Channels(WithUsableChannels())
		if len(routes) == 2 && routes[0].Node == "loqa-tts-1" && routes[1].Node == "peer" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer not tracked: %+v", routes)
		}
		time.Sleep(10 * time.Millisecond)
	}

	reg.evaluateHealth(time.Now().Add(time.Hour))
	if reg.Healthy() {
		t.Fatal("stale node should be unhealthy")
	}
	if routes := reg.Channels(WithUsableChannels()); len(routes) != 0 {
		t.Fatalf("stale nodes should not route: %+v", routes)
	}
	if _, ok := reg.Route(""); ok {
		t.Fatal("route found with no healthy node")
	}
}

func TestRoutePrefersLocalChannel(t *testing.T) {
	client := connect(t)
	cfg := config.Default().Node
	local := ChannelCapabilities([]dispatch.ChannelInfo{
		{ID: 0, Synthesis: "http", Playback: "oto", Usable: false},
		{ID: 2, Synthesis: "mock", Playback: "null", Usable: true},
	})
	reg, err := NewRegistry(context.Background(), cfg, client, local, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	peerCaps := ChannelCapabilities([]dispatch.ChannelInfo{{ID: 1, Synthesis: "mock", Playback: "null", Usable: true}})
	reg.updateNode("aaa-peer", "tts", peerCaps, time.Now())

	route, ok := reg.Route("")
	if !ok || route.Node != cfg.ID || route.DisplayID != 2 {
		t.Fatalf("expected local usable channel 2, got %+v ok=%v", route, ok)
	}
	route, ok = reg.Route("aaa-peer")
	if !ok || route.Node != "aaa-peer" || route.DisplayID != 1 {
		t.Fatalf("expected peer channel 1, got %+v ok=%v", route, ok)
	}
	if _, ok := reg.Route("missing"); ok {
		t.Fatal("unknown node should not route")
	}

	all := reg.Channels()
	if len(all) != 3 || all[0].Node != "aaa-peer" || all[1].DisplayID != 0 || all[1].Usable {
		t.Fatalf("unexpected directory: %+v", all)
	}
}

func TestDirectoryAnswersChannelsRequest(t *testing.T) {
	client := connect(t)
	cfg := config.Default().Node
	local := ChannelCapabilities([]dispatch.ChannelInfo{{ID: 0, Synthesis: "mock", Playback: "null", Usable: true}})
	reg, err := NewRegistry(context.Background(), cfg, client, local, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	msg, err := client.Conn().Request(protocol.SubjectChannels, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.ChannelsReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reply.ReturnValue || len(reply.Channels) != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if ch := reply.Channels[0]; ch.Node != cfg.ID || !ch.Usable || !ch.Healthy || ch.Synthesis != "mock" {
		t.Fatalf("unexpected channel: %+v", ch)
	}
}

func TestNewPeerReceivesAnnouncement(t *testing.T) {
	client := connect(t)
	cfg := config.Default().Node
	reg, err := NewRegistry(context.Background(), cfg, client, nil, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	announced := make(chan announceMessage, 4)
	sub, err := client.Conn().Subscribe(SubjectAnnounce, func(m *nats.Msg) {
		var a announceMessage
		if json.Unmarshal(m.Data, &a) == nil && a.NodeID == cfg.ID {
			announced <- a
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	_ = client.Conn().Flush()

	peer, _ := json.Marshal(announceMessage{NodeID: "late-peer", Role: "tts"})
	for i := 0; i < 2; i++ {
		if err := client.Conn().Publish(SubjectAnnounce, peer); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	_ = client.Conn().Flush()

	select {
	case <-announced:
	case <-time.After(2 * time.Second):
		t.Fatal("registry did not answer a new peer")
	}
	select {
	case a := <-announced:
		t.Fatalf("known peer triggered another announcement: %+v", a)
	case <-time.After(200 * time.Millisecond):
	}
}
