// Package pool keeps loaded model contexts in memory and hands out per-request
// decoding sessions under bounded concurrency.
//
// Each model is loaded at most once at a time (concurrent first requests share
// one load). A global semaphore caps sessions across all models, and a
// per-model semaphore caps sessions sharing one context. Contexts idle for
// longer than the configured timeout are closed by a cleanup goroutine, and a
// filesystem watcher on the models directory drops contexts whose weight file
// changes. With context reuse disabled every request loads and closes its own
// context.
package pool
