package protocol

import "strings"

// Client verbs. Verbs are matched case-insensitively.
const (
	VerbLogin = "LOGIN"
	VerbMsg   = "MSG"
	VerbWho   = "WHO"
	VerbPing  = "PING"
	VerbDM    = "DM"
)

// Fixed server lines. Lines are written without the trailing newline; the
// connection appends it.
const (
	Welcome   = "Welcome! Please login with: LOGIN <username>"
	ReplyOK   = "OK"
	ReplyPong = "PONG"
)

// Reasons carried by ERR lines.
const (
	ReasonInvalidUsername = "invalid-username"
	ReasonUsernameTaken   = "username-taken"
	ReasonLoginRequired   = "login-required"
	ReasonUnknownCommand  = "unknown-command"
	ReasonUserNotFound    = "user-not-found"
	ReasonDMUsage         = "usage: DM <username> <message>"
)

// Command is one parsed input line.
type Command struct {
	Verb string // upper-cased
	Arg  string // raw remainder after the first space, may be empty
}

// ParseCommand splits line on its first space. The verb is upper-cased, the
// argument is kept as sent.
func ParseCommand(line string) Command {
	verb, arg, _ := strings.Cut(line, " ")
	return Command{Verb: strings.ToUpper(verb), Arg: arg}
}

// ValidUsername trims arg and reports whether the result is usable as a
// username: at least one character and no space.
func ValidUsername(arg string) (string, bool) {
	if arg == "" {
		return "", false
	}
	name := strings.TrimSpace(arg)
	if name == "" || strings.Contains(name, " ") {
		return "", false
	}
	return name, true
}

// SplitDM splits a DM argument into target and message on the first space.
// Both parts must be non-empty.
func SplitDM(arg string) (target, message string, ok bool) {
	target, message, found := strings.Cut(arg, " ")
	if !found || target == "" || message == "" {
		return "", "", false
	}
	return target, message, true
}

// Error formats an ERR line.
func Error(reason string) string {
	return "ERR " + reason
}

// Users formats the WHO reply.
func Users(names []string) string {
	return "USERS " + strings.Join(names, ", ")
}

// Chat formats a broadcast chat line.
func Chat(sender, text string) string {
	return VerbMsg + " " + sender + " " + text
}

// Direct formats a direct message as seen by its recipient.
func Direct(sender, text string) string {
	return VerbDM + " " + sender + " " + text
}

// Disconnected formats the notice sent when a user leaves.
func Disconnected(name string) string {
	return "INFO " + name + " disconnected"
}
