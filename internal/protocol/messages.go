// Package protocol defines the NATS subjects and JSON payloads of the speech
// service.
package protocol

import "time"

const (
	SubjectSpeak           = "tts.speak"
	SubjectStop            = "tts.stop"
	SubjectStatus          = "tts.status"
	SubjectLanguages       = "tts.languages"
	SubjectStart           = "tts.start"
	SubjectSpeakVKB        = "tts.speakVKB"
	SubjectAudioGuidance   = "tts.setAudioGuidanceOnOff"
	SubjectChannels        = "tts.channels"
	SubjectEvents          = "tts.events"
	SubjectMessagePrefix   = "tts.message"
	SubjectMessageWildcard = SubjectMessagePrefix + ".*"
)

// MessageSubject is where status events of one message are published.
func MessageSubject(msgID string) string {
	return SubjectMessagePrefix + "." + msgID
}

// SpeakRequest is the payload of tts.speak.
type SpeakRequest struct {
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
	AppID     string `json:"appID,omitempty"`
	Clear     bool   `json:"clear,omitempty"`
	Feedback  bool   `json:"feedback,omitempty"`
	Subscribe bool   `json:"subscribe,omitempty"`
	DisplayID int    `json:"displayId,omitempty"`
}

// SpeakReply answers tts.speak.
type SpeakReply struct {
	ReturnValue bool   `json:"returnValue"`
	MsgID       string `json:"msgID,omitempty"`
	Subscribed  bool   `json:"subscribed,omitempty"`
	ErrorCode   int    `json:"errorCode,omitempty"`
	ErrorText   string `json:"errorText,omitempty"`
}

// StopRequest is the payload of tts.stop.
type StopRequest struct {
	MsgID     string `json:"msgID,omitempty"`
	AppID     string `json:"appID,omitempty"`
	FadeOut   bool   `json:"fadeOut,omitempty"`
	DisplayID int    `json:"displayId,omitempty"`
}

// StopReply answers tts.stop.
type StopReply struct {
	ReturnValue bool   `json:"returnValue"`
	Stopped     bool   `json:"stopped"`
	ErrorCode   int    `json:"errorCode,omitempty"`
	ErrorText   string `json:"errorText,omitempty"`
}

// ChannelRequest is the payload of tts.status and tts.languages.
type ChannelRequest struct {
	DisplayID int `json:"displayId,omitempty"`
}

// StatusReply answers tts.status.
type StatusReply struct {
	ReturnValue  bool   `json:"returnValue"`
	Status       string `json:"status,omitempty"`
	Language     string `json:"language,omitempty"`
	MenuLanguage string `json:"menuLanguage,omitempty"`
	Pitch        int    `json:"pitch"`
	SpeechRate   int    `json:"speechRate"`
	Volume       int    `json:"volume"`
	ErrorCode    int    `json:"errorCode,omitempty"`
	ErrorText    string `json:"errorText,omitempty"`
}

// LanguagesReply answers tts.languages.
type LanguagesReply struct {
	ReturnValue bool     `json:"returnValue"`
	Languages   []string `json:"Languages,omitempty"`
	ErrorCode   int      `json:"errorCode,omitempty"`
	ErrorText   string   `json:"errorText,omitempty"`
}

// ChannelRoute is one speech channel of a node on the bus.
type ChannelRoute struct {
	Node      string `json:"node"`
	DisplayID int    `json:"displayId"`
	Synthesis string `json:"synthesis"`
	Playback  string `json:"playback"`
	Usable    bool   `json:"usable"`
	Healthy   bool   `json:"healthy"`
}

// ChannelsReply answers tts.channels.
type ChannelsReply struct {
	ReturnValue bool           `json:"returnValue"`
	Channels    []ChannelRoute `json:"channels"`
}

// BasicReply answers calls with no payload of their own.
type BasicReply struct {
	ReturnValue bool   `json:"returnValue"`
	ErrorCode   int    `json:"errorCode,omitempty"`
	ErrorText   string `json:"errorText,omitempty"`
}

// MessageEvent reports a message status transition.
type MessageEvent struct {
	MsgID     string    `json:"msgID"`
	AppID     string    `json:"appID,omitempty"`
	DisplayID int       `json:"displayId"`
	MsgStatus string    `json:"msgStatus"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VolumeReply is what the system volume service answers.
type VolumeReply struct {
	VolumeStatus []struct {
		Volume int `json:"volume"`
	} `json:"volumeStatus"`
}

// SettingsRequest asks the system settings service for keys of a category.
type SettingsRequest struct {
	Category string   `json:"category"`
	Keys     []string `json:"keys"`
}

// SettingsReply is what the system settings service answers.
type SettingsReply struct {
	Settings struct {
		MenuLanguage string `json:"menuLanguage"`
	} `json:"settings"`
}
