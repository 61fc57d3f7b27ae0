package settler

import "net/http"

// httpRetryNote classifies upstream HTTP statuses that are worth another
// poll. A non-empty note means the response carried no usable body and the
// caller should back off instead of failing the leg.
func httpRetryNote(code int) string {
	switch code {
	case http.StatusTooManyRequests:
		return "too many requests, code:429"
	case http.StatusBadGateway:
		return "bad gateway, code:502"
	case http.StatusServiceUnavailable:
		return "service unavailable, code:503"
	case http.StatusGatewayTimeout:
		return "gateway timeout, code:504"
	}
	return ""
}
