package server

import (
	"errors"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// asProtocolError unwraps err into a *protocol.Error if one is in the chain.
func asProtocolError(err error, target **protocol.Error) bool {
	return errors.As(err, target)
}
