package tickbus

import "sync/atomic"

var defaultClient atomic.Pointer[Client]

// SetDefault makes c the client returned by Default. Libraries should take
// a *Client explicitly; the default holder is for the application's top
// level only.
func SetDefault(c *Client) {
	defaultClient.Store(c)
}

// Default returns the client set with SetDefault, or nil.
func Default() *Client {
	return defaultClient.Load()
}
