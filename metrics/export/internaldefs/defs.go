package internaldefs

import (
	"github.com/MrEthical07/testuser"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   testuser.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   testuser.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: testuser.MetricProvisionVerified, Name: "testuser_provision_verified_total", Help: "Verified accounts handed to callers."},
	{ID: testuser.MetricProvisionUnverified, Name: "testuser_provision_unverified_total", Help: "Unverified accounts handed to callers."},
	{ID: testuser.MetricProvisionFailure, Name: "testuser_provision_failure_total", Help: "Provisioning calls that failed before the mail wait."},
	{ID: testuser.MetricProvisionTimeout, Name: "testuser_provision_timeout_total", Help: "Provisioning calls that gave up waiting for the mail."},
	{ID: testuser.MetricProvisionRateLimited, Name: "testuser_provision_rate_limited_total", Help: "Provisioning calls refused by the local limiter."},
	{ID: testuser.MetricVerifySuccess, Name: "testuser_verify_success_total", Help: "Accounts whose creation was completed at the IdP."},
	{ID: testuser.MetricVerifyFailure, Name: "testuser_verify_failure_total", Help: "Accounts whose creation could not be completed."},
	{ID: testuser.MetricNotificationMalformed, Name: "testuser_notification_malformed_total", Help: "Mail notifications that could not be decoded."},
	{ID: testuser.MetricNotificationOrphan, Name: "testuser_notification_orphan_total", Help: "Mail notifications for unknown or already verified accounts."},
	{ID: testuser.MetricAssertionIssued, Name: "testuser_assertion_issued_total", Help: "Identity assertions issued."},
	{ID: testuser.MetricAssertionFailure, Name: "testuser_assertion_failure_total", Help: "Assertion requests that failed."},
	{ID: testuser.MetricAccountReclaimed, Name: "testuser_account_reclaimed_total", Help: "Accounts removed locally and queued for cancellation."},
	{ID: testuser.MetricAccountDeleted, Name: "testuser_account_deleted_total", Help: "Accounts deleted without remote cancellation."},
	{ID: testuser.MetricAccountExtended, Name: "testuser_account_extended_total", Help: "Account expiry extensions."},
	{ID: testuser.MetricRemoteCancelSuccess, Name: "testuser_remote_cancel_success_total", Help: "Accounts cancelled at the IdP."},
	{ID: testuser.MetricRemoteCancelFailure, Name: "testuser_remote_cancel_failure_total", Help: "Remote cancellations that failed."},
	{ID: testuser.MetricIdPFlooding, Name: "testuser_idp_flooding_total", Help: "IdP answers signalling request flooding."},
	{ID: testuser.MetricIdPProtocolError, Name: "testuser_idp_protocol_error_total", Help: "Other non-200 IdP answers."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: testuser.MetricProvisionWaitLatency, Name: "testuser_provision_wait_seconds", Help: "Time spent waiting for the confirmation mail."},
}

// HistogramBounds are the upper bounds of the eight engine buckets.
var HistogramBounds = []string{
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"5",
	"10",
	"+Inf",
}

// NormalizeBuckets copies raw into a fixed eight-bucket array, padding or
// truncating as needed.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
