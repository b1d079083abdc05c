package auth

// Observer receives counters for security-relevant operations. The core
// functions without one; implementations live outside this package (see
// internal/obs for the Prometheus-backed collector).
type Observer interface {
	TokenIssued()
	TokenRotated()
	// RotationDenied is labeled with the denial reason: "not_found",
	// "expired", "revoked", "reuse", "stamp_mismatch", "rate_limited".
	RotationDenied(reason string)
	ReuseDetected()
	StampRotated()
	RoleMutated(op string)
	PermissionsComputed()
}

// NopObserver is the default Observer; it discards every signal.
type NopObserver struct{}

func (NopObserver) TokenIssued()          {}
func (NopObserver) TokenRotated()         {}
func (NopObserver) RotationDenied(string) {}
func (NopObserver) ReuseDetected()        {}
func (NopObserver) StampRotated()         {}
func (NopObserver) RoleMutated(string)    {}
func (NopObserver) PermissionsComputed()  {}

var _ Observer = NopObserver{}
