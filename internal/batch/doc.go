/*
Package batch implements the request batcher: a priority queue feeding
debounced, concurrency-bounded dispatch windows over an opaque fetch
primitive.

# Dispatch model

	Submit ──▶ priority queue ──▶ debounce timer ──▶ batch of N ──▶ fetch
	              (bounded)        (batchingDelay)   (goroutines)     │
	                 ▲                                                ▼
	                 └────────── rearm while non-empty ──────── resolve futures

The first pending submission arms the timer; later submissions ride the same
window. On firing, up to maxConcurrentRequests highest-priority requests
(FIFO within a priority) execute concurrently, each resolving its own future.
One request's failure never touches its batch siblings. While requests remain
queued the timer rearms, so the queue drains in successive windows.

# Backpressure and cancellation

The queue is bounded; submissions past the limit fail with QUEUE_FULL rather
than growing memory without bound. Only requests still in the queue are
cancellable. Work already handed to the fetcher runs to completion, which
keeps partial responses from landing anywhere.

# Adaptation

Reconfigure swaps the whole optimization profile atomically. The network
condition monitor drives this on connectivity transitions; a swap mid-window
applies from the next armed window onward.
*/
package batch
