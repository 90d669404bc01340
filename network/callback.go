package network

// PoolCallback is the application surface of a Pool.
//
// Every callback runs on the pool's loop goroutine. Inside a callback
// only the thread-safe publish API (Bind/Send/Close) may be used to
// reach back into the pool; the loop never runs two callbacks at once.
type PoolCallback interface {
	// AllocateForMessage is called before every receive so the
	// application can point the pool at its own parse buffer and skip
	// a copy. Returning an empty slice refuses the receive and shuts
	// the connection down.
	AllocateForMessage(node Node, suggested int) []byte
	// DeallocateForMessage pairs with every AllocateForMessage.
	DeallocateForMessage(node Node, buf []byte)

	// Message one payload received. data is only valid during the call.
	Message(node Node, data []byte)

	// Drop a payload that will never be sent. Delivered before the
	// connection down notify when the send itself failed, after it
	// when the connection terminated.
	Drop(node Node, data []byte)

	// BindStatus result of a bind/unbind command.
	BindStatus(node Node, ok bool)

	// ConnectionStatus ok=true after a successful tcp startup (accept
	// or connect), ok=false after shutdown. Exactly one up/down pair
	// per started connection.
	// Note: no down notify when a send without auto connect finds no
	// connection, the payload is just dropped.
	ConnectionStatus(node Node, ok bool)
}
