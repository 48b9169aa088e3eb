package protocol

import (
	"fmt"
	"strings"
)

// Command is one of the closed set of device commands.
type Command string

// Garage door, encoder and alarm panel commands.
const (
	CommandOpen    Command = "open"
	CommandClose   Command = "close"
	CommandToggle  Command = "toggle"
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandArmStay Command = "arm_stay"
	CommandArmAway Command = "arm_away"
	CommandDisarm  Command = "disarm"
)

var commands = map[Command]struct{}{
	CommandOpen: {}, CommandClose: {}, CommandToggle: {},
	CommandStart: {}, CommandStop: {},
	CommandArmStay: {}, CommandArmAway: {}, CommandDisarm: {},
}

// ParseCommand normalises s ("Arm Stay", "arm-stay", "ARM_STAY") and checks
// it against the closed set.
func ParseCommand(s string) (Command, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)

	c := Command(norm)
	if _, ok := commands[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCommand, s)
	}
	return c, nil
}
