// Package display defines the Client's UI collaborator: an opaque sink fed
// every decoded Message, left unspecified beyond that by the core.
package display

import "github.com/danielrobbins/hostbeacon/internal/protocol"

// Display receives every Message the Client decodes off the wire, in
// arrival order.
type Display interface {
	Show(msg protocol.Message)
}
