package backend

import (
	"github.com/fxamacker/cbor/v2"
)

// RPCRequest is one outbound frame.
type RPCRequest struct {
	ID     string `cbor:"id"`
	Method string `cbor:"method,omitempty"`
	Params []any  `cbor:"params,omitempty"`
}

// RPCError is the error half of a response.
type RPCError struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message,omitempty"`
}

func (r *RPCError) Error() string {
	return r.Message
}

// RPCResponse is one inbound frame. Frames carrying a Method are change
// notifications, not responses; the read loop routes on that.
type RPCResponse struct {
	ID     string          `cbor:"id,omitempty"`
	Method string          `cbor:"method,omitempty"`
	Error  *RPCError       `cbor:"error,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
}

// notifyMethod marks inbound change-notification frames.
const notifyMethod = "notify"

// changeNotification is the payload of a notify frame: the server-side
// subscription id plus the change itself.
type changeNotification struct {
	SubscriptionID string `cbor:"subscription_id"`
	Change         Change `cbor:"change"`
}
