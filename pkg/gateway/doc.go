// Package gateway is the request pipeline behind /g/{route}/{path}.
//
// Every request passes the same gauntlet in order: a process-local
// per-client-IP guard, API key authentication against the config
// snapshot, route matching, the abuse block check, rate limiting,
// quota accounting, and finally the cache or a direct upstream
// exchange. Rejections carry a JSON envelope {error, request_id,
// detail} and the X-Request-Id header; admitted responses add X-Cache,
// X-Route, and Age where a cache window applies.
//
// Request logs are emitted post-response through a bounded queue
// drained by a single writer goroutine; when producers outrun it the
// oldest record is dropped and counted. The abuse detector and the
// key's last_used_at are also fed after the response is written, so
// clients never wait on bookkeeping.
package gateway
