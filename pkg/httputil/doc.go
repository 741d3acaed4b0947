// Package httputil provides the HTTP plumbing used to download artifacts.
//
// # Overview
//
//   - [Client]: GET requests with default headers, status classification
//     and [observability.HTTPHooks] reporting
//   - [Policy]: bounded retry with exponential backoff
//
// # Status handling
//
// [Client.Open] classifies responses the same way for every caller:
//
//   - 200: success, the body is returned
//   - 404, 410: [ErrNotFound], never retried
//   - 429: retryable, honoring Retry-After
//   - 5xx and transport errors: retryable
//   - anything else: [ErrNetwork], not retried
//
// # Retry
//
// [Policy.Do] only retries errors wrapped in [RetryableError]:
//
//	p := httputil.Policy{Attempts: 5, Delay: 2 * time.Second}
//	err := p.Do(ctx, func() error {
//	    body, _, err := client.Open(ctx, url)
//	    if err != nil {
//	        return err
//	    }
//	    defer body.Close()
//	    return consume(body)
//	})
//
// The delay doubles after every failed attempt and the wait is abandoned
// as soon as ctx is cancelled.
package httputil
