package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

type options struct {
	server  string
	timeout time.Duration
	display int
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'speak', 'stop', 'status', 'languages', 'channels' or 'version'")
		os.Exit(2)
	}

	var opts options
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	fs.StringVar(&opts.server, "server", nats.DefaultURL, "NATS server URL")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "Reply timeout")
	fs.IntVar(&opts.display, "display", 0, "Output channel")

	var err error
	switch os.Args[1] {
	case "speak":
		var (
			lang      string
			appID     string
			interrupt bool
			follow    bool
			route     bool
		)
		fs.StringVar(&lang, "lang", "", "Language, e.g. en-US")
		fs.StringVar(&appID, "app", "loqa-tts-cli", "Application id")
		fs.BoolVar(&interrupt, "clear", false, "Interrupt current speech and flush the queue")
		fs.BoolVar(&follow, "follow", false, "Print status events until the message finishes")
		fs.BoolVar(&route, "route", false, "Speak on the first usable channel from the channel directory")
		_ = fs.Parse(os.Args[2:])
		req := protocol.SpeakRequest{
			Text:      strings.Join(fs.Args(), " "),
			Language:  lang,
			AppID:     appID,
			Clear:     interrupt,
			Feedback:  follow,
			Subscribe: follow,
			DisplayID: opts.display,
		}
		err = runSpeak(opts, req, follow, route)
	case "stop":
		var req protocol.StopRequest
		fs.StringVar(&req.MsgID, "msg", "", "Message id to stop")
		fs.StringVar(&req.AppID, "app", "", "Stop every message of this application")
		fs.BoolVar(&req.FadeOut, "fade", false, "Fade out before stopping")
		_ = fs.Parse(os.Args[2:])
		req.DisplayID = opts.display
		var reply protocol.StopReply
		err = call(opts, protocol.SubjectStop, req, &reply)
	case "status":
		_ = fs.Parse(os.Args[2:])
		var reply protocol.StatusReply
		err = call(opts, protocol.SubjectStatus, protocol.ChannelRequest{DisplayID: opts.display}, &reply)
	case "languages":
		_ = fs.Parse(os.Args[2:])
		var reply protocol.LanguagesReply
		err = call(opts, protocol.SubjectLanguages, protocol.ChannelRequest{DisplayID: opts.display}, &reply)
	case "channels":
		_ = fs.Parse(os.Args[2:])
		var reply protocol.ChannelsReply
		err = call(opts, protocol.SubjectChannels, struct{}{}, &reply)
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(opts options) (*nats.Conn, error) {
	conn, err := nats.Connect(opts.server, nats.Name("loqa-tts-cli"), nats.Timeout(opts.timeout))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.server, err)
	}
	return conn, nil
}

// call sends payload, decodes the reply into out and prints it.
func call(opts options, subject string, payload, out any) error {
	conn, err := connect(opts)
	if err != nil {
		return err
	}
	defer conn.Close()
	return request(conn, opts.timeout, subject, payload, out)
}

func request(conn *nats.Conn, timeout time.Duration, subject string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := conn.Request(subject, data, timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	fmt.Println(string(msg.Data))
	return nil
}

// pickRoute asks the channel directory for a usable channel on a healthy node.
func pickRoute(conn *nats.Conn, timeout time.Duration) (protocol.ChannelRoute, error) {
	msg, err := conn.Request(protocol.SubjectChannels, []byte("{}"), timeout)
	if err != nil {
		return protocol.ChannelRoute{}, fmt.Errorf("%s: %w", protocol.SubjectChannels, err)
	}
	var reply protocol.ChannelsReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return protocol.ChannelRoute{}, fmt.Errorf("decode reply: %w", err)
	}
	for _, ch := range reply.Channels {
		if ch.Usable && ch.Healthy {
			return ch, nil
		}
	}
	return protocol.ChannelRoute{}, errors.New("no usable channel")
}

func runSpeak(opts options, req protocol.SpeakRequest, follow, route bool) error {
	conn, err := connect(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	if route {
		ch, err := pickRoute(conn, opts.timeout)
		if err != nil {
			return err
		}
		req.DisplayID = ch.DisplayID
		fmt.Fprintf(os.Stderr, "routing to %s channel %d\n", ch.Node, ch.DisplayID)
	}

	var events chan *nats.Msg
	if follow {
		events = make(chan *nats.Msg, 16)
		sub, err := conn.ChanSubscribe(protocol.SubjectMessageWildcard, events)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	var reply protocol.SpeakReply
	if err := request(conn, opts.timeout, protocol.SubjectSpeak, req, &reply); err != nil {
		return err
	}
	if !reply.ReturnValue {
		return fmt.Errorf("speak rejected: %d %s", reply.ErrorCode, reply.ErrorText)
	}
	if !follow {
		return nil
	}

	for msg := range events {
		var ev protocol.MessageEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.MsgID != reply.MsgID {
			continue
		}
		fmt.Printf("%s %s %s\n", ev.Timestamp.Format(time.RFC3339Nano), ev.MsgID, ev.MsgStatus)
		switch ev.MsgStatus {
		case "done", "stopped", "canceled", "error":
			return nil
		}
	}
	return nil
}
