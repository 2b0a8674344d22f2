// Package async runs the gateway's fire-and-forget side effects: result and
// definition cache writes, token usage counters and webhook deliveries.
//
// A Pool has a fixed number of workers and a bounded queue. Submit never
// blocks; when the queue is full the task is dropped and counted. Task errors
// and panics are logged and never reach the request that submitted them.
package async
