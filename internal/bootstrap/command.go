package bootstrap

import "github.com/austindbirch/pier39_pixel/internal/pixel"

const CommandTrack = "track"

// Command is one call made on the entry point: a TrackCommand or an
// UnknownCommand.
type Command interface {
	Name() string
}

// TrackCommand asks the pixel to track an event
type TrackCommand struct {
	EventType string
	Data      pixel.EventData
}

func (TrackCommand) Name() string { return CommandTrack }

// UnknownCommand is anything the entry point does not support, kept for logging
type UnknownCommand struct {
	Command string
	Args    []any
}

func (c UnknownCommand) Name() string { return c.Command }

// ParseCommand maps raw entry point arguments to a Command. A track call
// needs a non-empty event type and truthy data; otherwise it is unknown. Data
// that is not an object yields empty EventData, left for the facade to reject.
func ParseCommand(args ...any) Command {
	if len(args) == 0 {
		return UnknownCommand{}
	}
	name, _ := args[0].(string)
	if name != CommandTrack || len(args) < 3 {
		return UnknownCommand{Command: name, Args: args}
	}
	eventType, _ := args[1].(string)
	if eventType == "" {
		return UnknownCommand{Command: name, Args: args}
	}

	var data pixel.EventData
	switch d := args[2].(type) {
	case pixel.EventData:
		data = d
	case *pixel.EventData:
		if d == nil {
			return UnknownCommand{Command: name, Args: args}
		}
		data = *d
	case map[string]any:
		if d == nil {
			return UnknownCommand{Command: name, Args: args}
		}
		data = pixel.EventDataFromMap(d)
	default:
		if !pixel.Truthy(d) {
			return UnknownCommand{Command: name, Args: args}
		}
	}
	return TrackCommand{EventType: eventType, Data: data}
}
