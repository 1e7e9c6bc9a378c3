// Package license decides whether the stack may start: a hard expiry date,
// a best-effort online status check and a signed offline grace window.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/metrics"
)

// Reason names why a license check failed.
type Reason string

const (
	ReasonInvalidConfig               Reason = "Invalid License"
	ReasonExpired                     Reason = "License Expired"
	ReasonSuspended                   Reason = "License Suspended"
	ReasonInitialVerificationRequired Reason = "Initial Verification Required"
	ReasonOnlineVerificationRequired  Reason = "Online Verification Required"
)

const (
	DefaultMaxOfflineDays = 30
	DefaultTimeout        = 10 * time.Second
	expiryLayout          = "2006-01-02"
)

// ErrInvalid is wrapped by Result.Err for every blocking result.
var ErrInvalid = errors.New("license invalid")

// Result is the outcome of Check.
type Result struct {
	Valid         bool   `json:"valid"`
	Reason        Reason `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	Expiry        string `json:"expiry"`
	DaysRemaining int    `json:"days_remaining"`
	OfflineDays   int    `json:"offline_days"`
	Online        bool   `json:"online"`
	SupportEmail  string `json:"support_email,omitempty"`
	SupportPhone  string `json:"support_phone,omitempty"`
}

// Err returns nil for a valid result and an error wrapping ErrInvalid otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s: %s (support: %s %s)", ErrInvalid, r.Reason, r.Message, r.SupportEmail, r.SupportPhone)
}

// Options configures a Gate.
type Options struct {
	APIURL         string
	Expiry         string // YYYY-MM-DD or RFC3339
	MaxOfflineDays int
	Secret         string
	File           string
	SupportEmail   string
	SupportPhone   string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Now            func() time.Time
	Logger         *slog.Logger
}

// Gate evaluates the license.
type Gate struct {
	opts Options
	log  *slog.Logger
	http *http.Client
}

func New(opts Options) *Gate {
	if opts.MaxOfflineDays <= 0 {
		opts.MaxOfflineDays = DefaultMaxOfflineDays
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Gate{opts: opts, log: opts.Logger, http: hc}
}

// OnlineStatus is the remote status document.
type OnlineStatus struct {
	Status      string `json:"status"`
	Expiry      string `json:"expiry"`
	LastPayment string `json:"last_payment"`
}

// Check runs the expiry, online and offline checks in that order.
func (g *Gate) Check(ctx context.Context) Result {
	res := g.check(ctx)
	reason := "valid"
	if !res.Valid {
		reason = string(res.Reason)
	}
	metrics.IncLicenseCheck(reason)
	return res
}

func (g *Gate) check(ctx context.Context) Result {
	now := g.opts.Now()
	expiry, err := ParseExpiry(g.opts.Expiry, now.Location())
	if err != nil {
		g.log.Error("invalid license expiry", "expiry", g.opts.Expiry, "error", err)
		return g.invalid(ReasonInvalidConfig, "License configuration error. Contact support.", g.opts.Expiry)
	}
	expStr := expiry.Format(expiryLayout)
	if now.After(expiry) {
		return g.invalid(ReasonExpired, fmt.Sprintf("Your license expired on %s. Please renew to continue.", expStr), expStr)
	}

	online := false
	if g.opts.APIURL != "" {
		st, err := g.fetchStatus(ctx)
		switch {
		case err != nil:
			g.log.Warn("online license check failed, falling back to offline mode", "error", err)
		case strings.EqualFold(st.Status, "suspended"):
			exp := st.Expiry
			if exp == "" {
				exp = expStr
			}
			return g.invalid(ReasonSuspended, "Your license has been suspended by administrator. Please contact support.", exp)
		default:
			if err := writeRecord(g.opts.File, NewRecord(g.opts.Secret, now)); err != nil {
				g.log.Warn("failed to update license record", "error", err)
			}
			online = true
			g.log.Info("online license check successful", "status", st.Status)
		}
	}

	offlineDays := 0
	if !online {
		last, err := readRecord(g.opts.File, g.opts.Secret)
		if err != nil || last.After(now) {
			g.log.Warn("no verified license record, initial online check required", "file", g.opts.File)
			return g.invalid(ReasonInitialVerificationRequired,
				"Application requires initial online verification. Please connect to internet and restart.", expStr)
		}
		offlineDays = int(now.Sub(last) / (24 * time.Hour))
		if offlineDays > g.opts.MaxOfflineDays {
			r := g.invalid(ReasonOnlineVerificationRequired,
				fmt.Sprintf("Application requires online verification. Last check: %d days ago (max: %d days). Please connect to internet and restart.",
					offlineDays, g.opts.MaxOfflineDays), expStr)
			r.OfflineDays = offlineDays
			return r
		}
	}

	days := int(expiry.Sub(now) / (24 * time.Hour))
	g.log.Info("license valid", "expiry", expStr, "days_remaining", days)
	return Result{
		Valid:         true,
		Expiry:        expStr,
		DaysRemaining: days,
		OfflineDays:   offlineDays,
		Online:        online,
		SupportEmail:  g.opts.SupportEmail,
		SupportPhone:  g.opts.SupportPhone,
	}
}

func (g *Gate) fetchStatus(ctx context.Context) (OnlineStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.opts.APIURL, nil)
	if err != nil {
		return OnlineStatus{}, err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return OnlineStatus{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return OnlineStatus{}, fmt.Errorf("license api returned %d", resp.StatusCode)
	}
	var st OnlineStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return OnlineStatus{}, fmt.Errorf("decode license status: %w", err)
	}
	if st.Status == "" {
		st.Status = "unknown"
	}
	return st, nil
}

func (g *Gate) invalid(reason Reason, msg, expiry string) Result {
	return Result{
		Reason:       reason,
		Message:      msg,
		Expiry:       expiry,
		SupportEmail: g.opts.SupportEmail,
		SupportPhone: g.opts.SupportPhone,
	}
}

// ParseExpiry accepts a date (midnight in loc) or an RFC3339 timestamp.
func ParseExpiry(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(expiryLayout, s, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
