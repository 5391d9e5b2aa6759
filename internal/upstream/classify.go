package upstream

import "github.com/gorilla/websocket"

// fatalCloseCodes are WebSocket close codes after which reconnecting is
// pointless — the server has told us our connection is permanently
// unwelcome, not merely dropped.
var fatalCloseCodes = map[int]bool{
	websocket.ClosePolicyViolation:  true,
	websocket.CloseProtocolError:    true,
	websocket.CloseUnsupportedData: true,
}

// IsFatalCloseCode reports whether a WebSocket close code should abort
// the reconnect loop entirely rather than trigger backoff-and-retry.
func IsFatalCloseCode(code int) bool {
	return fatalCloseCodes[code]
}

// fatalAuthErrorCodes are the auth-result error codes that will never
// succeed on retry: bad key, forbidden, not found. Everything else
// (connection-limit exceeded, slow client, rate limiting, ...) is
// transient and worth the normal reconnect backoff.
var fatalAuthErrorCodes = map[int]bool{
	402: true, // not authenticated / invalid key
	403: true, // forbidden
	404: true, // not found
}

// IsFatalErrorFrame reports whether a server "error" frame's code denotes
// a non-retriable rejection, per the fatalAuthErrorCodes set above.
func IsFatalErrorFrame(code int) bool {
	return fatalAuthErrorCodes[code]
}
