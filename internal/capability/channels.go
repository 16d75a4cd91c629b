package capability

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"

	"github.com/loqalabs/loqa-tts/internal/dispatch"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ChannelCapability names one speech output channel of a node.
const ChannelCapability = "tts.channel"

const directorySubject = protocol.SubjectChannels

// ChannelCapabilities describes every dispatcher channel as a tts.channel
// capability.
func ChannelCapabilities(channels []dispatch.ChannelInfo) []Capability {
	out := make([]Capability, 0, len(channels))
	for _, ch := range channels {
		out = append(out, Capability{
			Name: ChannelCapability,
			Attributes: map[string]string{
				"channel":   strconv.Itoa(ch.ID),
				"synthesis": ch.Synthesis,
				"playback":  ch.Playback,
				"usable":    strconv.FormatBool(ch.Usable),
			},
		})
	}
	return out
}

// RouteFilter selects channel routes.
type RouteFilter func(protocol.ChannelRoute) bool

// WithHealthyNodes keeps routes of nodes whose heartbeats are current.
func WithHealthyNodes() RouteFilter {
	return func(r protocol.ChannelRoute) bool { return r.Healthy }
}

// WithUsableChannels keeps routes that accept speech on healthy nodes.
func WithUsableChannels() RouteFilter {
	return func(r protocol.ChannelRoute) bool { return r.Healthy && r.Usable }
}

// OnNode keeps routes of one node.
func OnNode(id string) RouteFilter {
	return func(r protocol.ChannelRoute) bool { return r.Node == id }
}

// Channels lists the speech channels of every known node that pass all
// filters, ordered by node then channel.
func (r *Registry) Channels(filters ...RouteFilter) []protocol.ChannelRoute {
	var out []protocol.ChannelRoute
	for _, node := range r.Query(nil) {
	routes:
		for _, route := range routesOf(node.ID, node.Capabilities, node.Healthy) {
			for _, keep := range filters {
				if !keep(route) {
					continue routes
				}
			}
			out = append(out, route)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].DisplayID < out[j].DisplayID
	})
	return out
}

// Route picks a usable channel. An empty node prefers this node and falls
// back to any healthy peer.
func (r *Registry) Route(node string) (protocol.ChannelRoute, bool) {
	if node == "" {
		if routes := r.Channels(WithUsableChannels(), OnNode(r.cfg.ID)); len(routes) > 0 {
			return routes[0], true
		}
		if routes := r.Channels(WithUsableChannels()); len(routes) > 0 {
			return routes[0], true
		}
		return protocol.ChannelRoute{}, false
	}
	if routes := r.Channels(WithUsableChannels(), OnNode(node)); len(routes) > 0 {
		return routes[0], true
	}
	return protocol.ChannelRoute{}, false
}

func (r *Registry) handleDirectory(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(protocol.ChannelsReply{ReturnValue: true, Channels: r.Channels()})
	if err != nil {
		r.log.Warn("failed to marshal channel directory", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Warn("failed to answer channel directory", slog.String("error", err.Error()))
	}
}

func routesOf(node string, caps []Capability, healthy bool) []protocol.ChannelRoute {
	var out []protocol.ChannelRoute
	for _, c := range caps {
		if c.Name != ChannelCapability {
			continue
		}
		id, err := strconv.Atoi(c.Attributes["channel"])
		if err != nil {
			continue
		}
		out = append(out, protocol.ChannelRoute{
			Node:      node,
			DisplayID: id,
			Synthesis: c.Attributes["synthesis"],
			Playback:  c.Attributes["playback"],
			Usable:    c.Attributes["usable"] == "true",
			Healthy:   healthy,
		})
	}
	return out
}
