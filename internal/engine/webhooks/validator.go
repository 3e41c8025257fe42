package webhooks

import (
	"fmt"
	"net/url"
	"strings"
)

const maxRetryLimit = 10

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ValidateEndpoint checks a fully populated endpoint before it is stored.
func ValidateEndpoint(ep *Endpoint) error {
	if strings.TrimSpace(ep.Name) == "" {
		return invalid("name is required")
	}
	if ep.URL == "" {
		return invalid("url is required")
	}

	u, err := url.Parse(ep.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return invalid("url must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("url must start with http:// or https://")
	}

	if !ep.Method.Valid() {
		return invalid("method must be one of GET, POST, PUT, DELETE")
	}

	if len(ep.Events) == 0 {
		return invalid("at least one event is required")
	}
	for _, e := range ep.Events {
		if !e.Valid() {
			return invalid("unknown event %q", e)
		}
	}

	for k := range ep.Headers {
		if strings.TrimSpace(k) == "" {
			return invalid("header names must not be empty")
		}
	}

	required, ok := requiredCredentials[ep.Authentication.Type]
	if !ok {
		return invalid("authentication type must be one of none, bearer, basic, api_key, hmac")
	}
	for _, key := range required {
		if ep.Authentication.Credentials[key] == "" {
			return invalid("%s authentication requires credentials.%s", ep.Authentication.Type, key)
		}
	}

	rp := ep.RetryPolicy
	if rp.MaxRetries < 0 || rp.MaxRetries > maxRetryLimit {
		return invalid("retry_policy.max_retries must be between 0 and %d", maxRetryLimit)
	}
	if rp.RetryDelay < 0 {
		return invalid("retry_policy.retry_delay_ms must not be negative")
	}
	return nil
}
