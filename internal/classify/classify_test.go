package classify

import (
	"testing"
	"time"
)

var cfg = Config{RotationCooldownSeconds: 300, PaymentBlockSeconds: 3600}

func TestClassify2xxIsOk(t *testing.T) {
	r := Classify(200, nil, "", time.Now(), cfg)
	if r.Outcome != OutcomeOk {
		t.Fatalf("Outcome = %v, want OutcomeOk", r.Outcome)
	}
}

func TestClassify401IsOkAtClassifierLevel(t *testing.T) {
	// The classifier itself does not mark a cooldown for 401; the
	// permanent-until-reset effect comes from record_request's own
	// err_401 counter feeding IsEligible.
	r := Classify(401, nil, "", time.Now(), cfg)
	if r.Outcome != OutcomeOk {
		t.Fatalf("Outcome = %v, want OutcomeOk", r.Outcome)
	}
}

// TestPaymentBlockScenario is spec scenario 3: 402 with a billing body,
// payment_block_seconds=3600.
func TestPaymentBlockScenario(t *testing.T) {
	r := Classify(402, []byte(`{"error":"insufficient_quota"}`), "", time.Now(), cfg)
	if r.Outcome != OutcomeBlock || r.Reason != BlockReasonPaymentRequired {
		t.Fatalf("result = %+v, want payment_required block", r)
	}
	if r.Duration != 3600*time.Second {
		t.Fatalf("Duration = %v, want 3600s", r.Duration)
	}
	if r.ErrorCode != "payment_required" {
		t.Fatalf("ErrorCode = %q, want payment_required", r.ErrorCode)
	}
}

func TestPaymentBlockMatchesChineseToken(t *testing.T) {
	r := Classify(400, []byte(`{"message":"余额不足"}`), "", time.Now(), cfg)
	if r.Outcome != OutcomeBlock || r.Reason != BlockReasonPaymentRequired {
		t.Fatalf("result = %+v, want payment_required block for Chinese token", r)
	}
}

func TestPaymentBlockMatchesExtraConfiguredTokens(t *testing.T) {
	cfgWithExtra := Config{RotationCooldownSeconds: 300, PaymentBlockSeconds: 3600, ExtraPaymentTokens: []string{"account suspended"}}
	r := Classify(400, []byte(`{"message":"Account Suspended for non-payment"}`), "", time.Now(), cfgWithExtra)
	if r.Outcome != OutcomeBlock {
		t.Fatalf("expected a configured extra token to trigger a payment block, got %+v", r)
	}
}

func TestClassify403Exhausts(t *testing.T) {
	r := Classify(403, nil, "", time.Now(), cfg)
	if r.Outcome != OutcomeExhaust || r.Duration != 300*time.Second {
		t.Fatalf("result = %+v, want exhaust for rotation_cooldown_seconds", r)
	}
}

// TestClassify429WithRetryAfter is spec scenario 2: 429 with
// Retry-After: 7.
func TestClassify429WithRetryAfter(t *testing.T) {
	r := Classify(429, nil, "7", time.Now(), cfg)
	if r.Outcome != OutcomeExhaust || r.Duration != 7*time.Second {
		t.Fatalf("result = %+v, want exhaust for 7s", r)
	}
}

func TestClassify429FallsBackToRotationCooldown(t *testing.T) {
	r := Classify(429, nil, "", time.Now(), cfg)
	if r.Outcome != OutcomeExhaust || r.Duration != 300*time.Second {
		t.Fatalf("result = %+v, want exhaust falling back to rotation_cooldown_seconds", r)
	}
}

func TestClassify429WithHTTPDateRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(10 * time.Second)
	r := Classify(429, nil, future.Format(http11Date), now, cfg)
	if r.Outcome != OutcomeExhaust || r.Duration < 9*time.Second || r.Duration > 10*time.Second {
		t.Fatalf("result = %+v, want exhaust for ~10s", r)
	}
}

const http11Date = "Mon, 02 Jan 2006 15:04:05 GMT"

func TestClassify5xxCapsAt60Seconds(t *testing.T) {
	r := Classify(500, nil, "", time.Now(), cfg)
	if r.Outcome != OutcomeExhaust || r.Duration != 60*time.Second {
		t.Fatalf("result = %+v, want exhaust capped at 60s (cooldown=300 > 60)", r)
	}
}

func TestClassify5xxUsesCooldownWhenBelowCap(t *testing.T) {
	shortCfg := Config{RotationCooldownSeconds: 30, PaymentBlockSeconds: 3600}
	r := Classify(500, nil, "", time.Now(), shortCfg)
	if r.Outcome != OutcomeExhaust || r.Duration != 30*time.Second {
		t.Fatalf("result = %+v, want exhaust for 30s (below the 60s cap)", r)
	}
}
