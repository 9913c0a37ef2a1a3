// Package httputil provides the HTTP plumbing shared by the registry client
// and the installer.
//
// # Overview
//
//   - [Client]: GET requests with default headers, status classification and
//     observability hooks
//   - [Retry]: automatic retry with exponential backoff
//
// # Status handling
//
// Any 2xx response is a success. 404 maps to [ErrNotFound]. 5xx responses and
// transport failures map to [ErrNetwork] wrapped in a [RetryableError], so
// [Retry] attempts them again. Other statuses map to [ErrNetwork] and are not
// retried.
//
// # Retry
//
//	err := httputil.Retry(ctx, 3, time.Second, func() error {
//	    return client.GetJSON(ctx, url, &v)
//	})
package httputil
