package speech

import (
	"sync/atomic"
	"time"
)

// Kind names the variant carried by a Request.
type Kind int

const (
	KindSpeak Kind = iota
	KindStop
	KindStatus
	KindLanguages
)

func (k Kind) String() string {
	switch k {
	case KindSpeak:
		return "speak"
	case KindStop:
		return "stop"
	case KindStatus:
		return "status"
	case KindLanguages:
		return "languages"
	}
	return "unknown"
}

// Command is the payload of a Request: one of Speak, Stop, GetStatus or
// GetLanguages.
type Command interface {
	Kind() Kind
	command()
}

// Speak synthesizes Text and plays it.
type Speak struct {
	Text     string
	Language string
	// Clear interrupts the running speech and flushes the pending queue
	// before this request is queued.
	Clear bool
	// Notify asks for OnDone to be called with the terminal outcome.
	Notify bool
	OnDone func(SpeakResult)
}

// Stop cancels queued or running speech matching TargetMessage, else
// TargetOwner, else anything.
type Stop struct {
	TargetOwner   string
	TargetMessage string
	FadeOut       bool
	// Target is the serial of the running request the stop was routed to.
	// Zero stops whatever is running when the stop executes.
	Target uint64
}

// GetStatus snapshots a channel. OnReply fires exactly once.
type GetStatus struct {
	OnReply func(StatusReport)
}

// GetLanguages lists the languages of a channel's synthesis engine.
type GetLanguages struct {
	OnReply func([]string, error)
}

func (Speak) Kind() Kind        { return KindSpeak }
func (Stop) Kind() Kind         { return KindStop }
func (GetStatus) Kind() Kind    { return KindStatus }
func (GetLanguages) Kind() Kind { return KindLanguages }

func (Speak) command()        {}
func (Stop) command()         {}
func (GetStatus) command()    {}
func (GetLanguages) command() {}

// Request is one client command addressed to a channel.
type Request struct {
	Owner   string
	MsgID   string
	Channel int
	Cmd     Command
	// Serial is assigned by the dispatcher on submission.
	Serial uint64

	status atomic.Int32
}

// NewRequest builds a request for cmd.
func NewRequest(owner, msgID string, channel int, cmd Command) *Request {
	return &Request{Owner: owner, MsgID: msgID, Channel: channel, Cmd: cmd}
}

func (r *Request) OwnerID() string   { return r.Owner }
func (r *Request) MessageID() string { return r.MsgID }

// Status returns the request's current message status.
func (r *Request) Status() MessageStatus {
	return MessageStatus(r.status.Load())
}

func (r *Request) setStatus(s MessageStatus) {
	r.status.Store(int32(s))
}

// SpeakResult is the terminal outcome handed to Speak.OnDone.
type SpeakResult struct {
	Owner    string
	MsgID    string
	Channel  int
	Status   MessageStatus
	Language string
	Err      error
}

// StatusReport answers GetStatus.
type StatusReport struct {
	Channel      int
	Task         TaskStatus
	Status       string
	Language     string
	MenuLanguage string
	Pitch        int
	SpeechRate   int
	Volume       int
}

// Event is a message status transition broadcast to observers.
type Event struct {
	Owner    string
	MsgID    string
	Channel  int
	Status   MessageStatus
	Language string
	Time     time.Time
}

// Notifier receives message status transitions. Notify is called
// synchronously on the goroutine that caused the transition.
type Notifier interface {
	Notify(Event)
}
