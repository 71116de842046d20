package relay

// Failure is the closed set of reasons a relay can fail validation or delivery.
type Failure string

const (
	// Delivery failures recorded by the delivery client.
	FailureHTTPError           Failure = "http_error"
	FailureConnectionError     Failure = "connection_error"
	FailureConnectionTimeout   Failure = "connection_timeout"
	FailureTooManyRedirects    Failure = "too_many_redirects"
	FailureRedirectHostChanged Failure = "redirect_host_changed"
	FailurePayloadTooLarge     Failure = "payload_too_large"
	FailureRouteTimeout        Failure = "route_timeout"
	FailureInvalidTransition   Failure = "invalid_transition"

	// Guard failures recorded when an inbound request is rejected
	// before or during capture.
	FailureHeaderValidation  Failure = "header_validation_failed"
	FailurePayloadValidation Failure = "payload_validation_failed"
	FailureForbidden         Failure = "forbidden"
)

// Valid reports whether the failure is part of the taxonomy.
func (f Failure) Valid() bool {
	switch f {
	case FailureHTTPError, FailureConnectionError, FailureConnectionTimeout,
		FailureTooManyRedirects, FailureRedirectHostChanged, FailurePayloadTooLarge,
		FailureRouteTimeout, FailureInvalidTransition,
		FailureHeaderValidation, FailurePayloadValidation, FailureForbidden:
		return true
	}
	return false
}

func (f Failure) String() string {
	return string(f)
}

// Ptr returns a pointer to the failure, for nullable relay fields.
func (f Failure) Ptr() *Failure {
	return &f
}
