package internaldefs

import (
	"strconv"
	"strings"

	"github.com/kbgapp/kbgauth"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   kbgauth.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   kbgauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: kbgauth.MetricLoginSuccess, Name: "kbgauth_login_success_total", Help: "Logins that ended with an issued session."},
	{ID: kbgauth.MetricLoginFailure, Name: "kbgauth_login_failure_total", Help: "Failed password steps."},
	{ID: kbgauth.MetricOTPRequired, Name: "kbgauth_otp_required_total", Help: "Password steps that required a one-time passcode."},
	{ID: kbgauth.MetricOTPSuccess, Name: "kbgauth_otp_success_total", Help: "Accepted one-time passcodes."},
	{ID: kbgauth.MetricOTPFailure, Name: "kbgauth_otp_failure_total", Help: "Rejected one-time passcodes."},
	{ID: kbgauth.MetricOTPReplay, Name: "kbgauth_otp_replay_total", Help: "One-time passcodes rejected as replays."},
	{ID: kbgauth.MetricLoginChallengeExpired, Name: "kbgauth_login_challenge_expired_total", Help: "Passcode submissions against expired or unknown challenges."},
	{ID: kbgauth.MetricSessionIssued, Name: "kbgauth_session_issued_total", Help: "Issued sessions."},
	{ID: kbgauth.MetricAccountCreated, Name: "kbgauth_account_created_total", Help: "Successful registrations."},
	{ID: kbgauth.MetricAccountDuplicate, Name: "kbgauth_account_duplicate_total", Help: "Registrations rejected for a taken email."},
	{ID: kbgauth.MetricPasswordChangeSuccess, Name: "kbgauth_password_change_success_total", Help: "Successful password changes."},
	{ID: kbgauth.MetricPasswordChangeInvalidOld, Name: "kbgauth_password_change_invalid_old_total", Help: "Password changes with a wrong current password."},
	{ID: kbgauth.MetricPasswordResetRequest, Name: "kbgauth_password_reset_request_total", Help: "Password reset requests."},
	{ID: kbgauth.MetricPasswordResetMailFailure, Name: "kbgauth_password_reset_mail_failure_total", Help: "Reset mails refused by the transport."},
	{ID: kbgauth.MetricPasswordResetConfirmSuccess, Name: "kbgauth_password_reset_confirm_success_total", Help: "Consumed reset tokens."},
	{ID: kbgauth.MetricPasswordResetConfirmFailure, Name: "kbgauth_password_reset_confirm_failure_total", Help: "Failed reset token consumptions."},
	{ID: kbgauth.MetricTOTPEnrollmentStarted, Name: "kbgauth_totp_enrollment_started_total", Help: "Two-factor enrollment starts."},
	{ID: kbgauth.MetricTOTPEnabled, Name: "kbgauth_totp_enabled_total", Help: "Confirmed two-factor enrollments."},
	{ID: kbgauth.MetricTOTPDisabled, Name: "kbgauth_totp_disabled_total", Help: "Two-factor deactivations."},
	{ID: kbgauth.MetricMalformedCredential, Name: "kbgauth_malformed_credential_total", Help: "Stored credentials that failed to parse."},
}

// HistogramDefs lists the exported histograms.
var HistogramDefs = []HistogramDef{
	{ID: kbgauth.MetricValidateLatency, Name: "kbgauth_validate_latency_seconds", Help: "Credential validation latency."},
	{ID: kbgauth.MetricResetRequestLatency, Name: "kbgauth_password_reset_request_latency_seconds", Help: "Password reset request latency, known and unknown emails alike."},
}

// Buckets is one histogram in fixed-size form.
type Buckets [kbgauth.LatencyBucketCount]uint64

// HistogramBounds are the Prometheus "le" labels, derived from
// kbgauth.LatencyBounds.
var HistogramBounds = boundLabels()

// HistogramBoundSuffix are the same bounds in instrument-name-safe form.
var HistogramBoundSuffix = boundSuffixes()

func boundLabels() []string {
	out := make([]string, 0, kbgauth.LatencyBucketCount)
	for _, b := range kbgauth.LatencyBounds {
		out = append(out, strconv.FormatFloat(b.Seconds(), 'f', -1, 64))
	}
	return append(out, "+Inf")
}

func boundSuffixes() []string {
	labels := boundLabels()
	out := make([]string, len(labels))
	for i, l := range labels {
		if l == "+Inf" {
			out[i] = "inf"
			continue
		}
		out[i] = strings.ReplaceAll(l, ".", "_")
	}
	return out
}

// Cumulative pads or truncates raw per-bucket counts to a full histogram
// and accumulates them.
func Cumulative(raw []uint64) Buckets {
	var out Buckets
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
