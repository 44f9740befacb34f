package recognizer

// Lines exchanged with the face recognizer. The prompts arrive without a
// trailing newline; the unknown reply keeps the binary's spelling.
const (
	PromptPath       = "Enter a path"
	UnknownReply     = "Coudln't recognize this person, give me their name"
	KnownPrefix      = "I know you! You are: "
	LoadFailedPrefix = "Couldn't load"
	StopWord         = "Stop"
)

// Prompts are the unterminated literals the line reader must split on.
var Prompts = []string{PromptPath, UnknownReply}
