package speech

// MessageStatus is the lifecycle state of one Speak request.
type MessageStatus int32

const (
	MessageQueued MessageStatus = iota
	MessagePlaying
	MessageDone
	MessageStopped
	MessageCanceled
	MessageError
)

var messageStatusText = map[MessageStatus]string{
	MessageQueued:   "queued",
	MessagePlaying:  "playing",
	MessageDone:     "done",
	MessageStopped:  "stopped",
	MessageCanceled: "canceled",
	MessageError:    "error",
}

func (s MessageStatus) String() string {
	if text, ok := messageStatusText[s]; ok {
		return text
	}
	return "unknown"
}

// Terminal reports whether no further transition can follow.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageDone, MessageStopped, MessageCanceled, MessageError:
		return true
	}
	return false
}

// TaskStatus is the channel level readiness indicator reported by GetStatus.
type TaskStatus int32

const (
	TaskError TaskStatus = iota
	TaskNotReady
	TaskReady
	TaskDone
)

var taskStatusText = map[TaskStatus]string{
	TaskError:    "Error: TTS task is not running",
	TaskNotReady: "TTS task is not ready",
	TaskReady:    "TTS task is ready",
	TaskDone:     "TTS task is done",
}

func (s TaskStatus) String() string {
	if text, ok := taskStatusText[s]; ok {
		return text
	}
	return taskStatusText[TaskError]
}

// LanguageError replaces the language of a message whose language the
// synthesis engine rejected.
const LanguageError = "error"
