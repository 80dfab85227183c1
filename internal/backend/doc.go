// Package backend defines how activities are handed to execution strategies.
// Sync backends block until the output is published. Async backends return a
// Proxy that can be serialized, reloaded in another process, and polled with
// Ready, Successful, Result and FailInfo.
package backend
