/*
Package upstream issues origin requests for admitted gateway traffic
and classifies every outcome.

# Outcomes

Each exchange produces exactly one Result:

	OK             origin answered; status/headers/body are usable
	Timeout        the route deadline elapsed (maps to 504)
	ConnectError   dial/TLS failure or an open circuit breaker (502)
	ProtocolError  malformed or oversized response (502)

An origin 5xx is still OK here. Whether a status is an error is the
pipeline's call; this package only reports whether an exchange happened.

# Header Hygiene

Hop-by-hop headers (Connection, Keep-Alive, Proxy-Authenticate,
Proxy-Authorization, TE, Trailer, Transfer-Encoding, Upgrade) and
anything the Connection header names are dropped in both directions.
The gateway's X-API-Key credential never reaches the origin. Host comes
from the upstream URL; X-Forwarded-For is appended, X-Forwarded-Proto
and X-Forwarded-Host are set from the client's edge. Redirects are not
followed; 3xx responses pass through.

# Deadlines and Breakers

route.TimeoutMS bounds the whole exchange, DNS through the final body
byte, falling back to Options.DefaultTimeout. Each route gets its own
gobreaker circuit breaker tripping on consecutive transport failures;
while open, fetches short-circuit to ConnectError without dialing, so a
dead origin cannot hold its route's timeout against every request.

Response bodies are buffered with a hard ceiling (Options.MaxBodyBytes);
anything larger is refused as ProtocolError rather than truncated.

# Usage

	client := upstream.New(upstream.Options{DefaultTimeout: 30 * time.Second})

	res := client.Fetch(ctx, route, upstream.Request{
		Method:   "GET",
		Path:     "/items",
		Header:   r.Header,
		ClientIP: ip,
	})
	if !res.OK() {
		kind := res.Kind.ErrorKind() // upstream_timeout or upstream_error
	}

# See Also

  - pkg/cache for store eligibility of OK results
  - pkg/gateway for the pipeline that consumes Result
*/
package upstream
