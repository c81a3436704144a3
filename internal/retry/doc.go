// Package retry decorates an http.RoundTripper with bounded exponential
// backoff over a configured set of HTTP status codes and transient network
// errors.
//
// Every retryable outcome is logged at warning level with the attempt number,
// the attempt budget, the status code and the (truncated) response body. When
// the budget is spent the transport fails with an *ExhaustedError whose text
// has the form
//
//	<reason> (Attempts: <N>, Server Response: <body>)
//
// where the Server Response segment is omitted when the last response had no
// body.
//
// Delays follow delay(k) = min(MaxDelay, BaseDelay * 2^(k-1)) without jitter.
// Context cancellation stops the loop immediately, including during a backoff
// sleep.
package retry
