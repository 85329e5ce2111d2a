package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
)

func TestNormalizeMode(t *testing.T) {
	cases := []struct {
		raw  string
		want model.PaymentMode
	}{
		{"RAZORPAY", model.PayRazorpay},
		{"online", model.PayRazorpay},
		{"Gateway", model.PayRazorpay},
		{" cod ", model.PayCOD},
		{"CASH", model.PayCOD},
		{"wallet", model.PayWallet},
		{"WALLET_RAZORPAY", model.PayWalletRazorpay},
		{"wallet+razorpay", model.PayWalletRazorpay},
	}
	for _, c := range cases {
		got, err := NormalizeMode(c.raw)
		if err != nil {
			t.Errorf("NormalizeMode(%q): %v", c.raw, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeMode(%q) = %q, want %q", c.raw, got, c.want)
		}
	}

	if _, err := NormalizeMode("BARTER"); !errors.Is(err, ErrInvalidPayment) {
		t.Errorf("NormalizeMode(BARTER) err = %v, want ErrInvalidPayment", err)
	}
}

func TestWalletShare(t *testing.T) {
	cases := []struct {
		name      string
		mode      model.PaymentMode
		kind      model.JobKind
		total     int64
		requested int64
		want      int64
		wantErr   bool
	}{
		{"wallet covers all", model.PayWallet, model.KindRide, 5000, 0, 5000, false},
		{"split takes requested", model.PayWalletRazorpay, model.KindOrder, 5000, 2000, 2000, false},
		{"split zero share", model.PayWalletRazorpay, model.KindRide, 5000, 0, 0, false},
		{"split full share", model.PayWalletRazorpay, model.KindRide, 5000, 5000, 5000, false},
		{"split negative", model.PayWalletRazorpay, model.KindRide, 5000, -1, 0, true},
		{"split over total", model.PayWalletRazorpay, model.KindRide, 5000, 5001, 0, true},
		{"gateway only", model.PayRazorpay, model.KindRide, 5000, 0, 0, false},
		{"gateway with share", model.PayRazorpay, model.KindRide, 5000, 100, 0, true},
		{"cod order", model.PayCOD, model.KindOrder, 5000, 0, 0, false},
		{"cod order with share", model.PayCOD, model.KindOrder, 5000, 100, 0, true},
		{"cod ride", model.PayCOD, model.KindRide, 5000, 0, 0, true},
		{"unknown mode", model.PaymentMode("BARTER"), model.KindRide, 5000, 0, 0, true},
	}
	for _, c := range cases {
		got, err := walletShare(c.mode, c.kind, c.total, c.requested)
		if c.wantErr {
			if !errors.Is(err, ErrInvalidPayment) {
				t.Errorf("%s: err = %v, want ErrInvalidPayment", c.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s: share = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestSignature_MatchesHMAC(t *testing.T) {
	svc := &PaymentService{cfg: config.PaymentConfig{GatewaySecret: "sekrit"}}

	got := svc.Signature("job-1", "pay_42")

	mac := hmac.New(sha256.New, []byte("sekrit"))
	mac.Write([]byte("job-1|pay_42"))
	want := hex.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Errorf("Signature = %s, want %s", got, want)
	}

	if svc.Signature("job-1", "pay_43") == got {
		t.Errorf("different payment produced the same signature")
	}
}

func TestNewHTTPGateway_DisabledWithoutURL(t *testing.T) {
	if g := NewHTTPGateway(config.PaymentConfig{}); g != nil {
		t.Errorf("NewHTTPGateway without URL = %v, want nil", g)
	}
	if g := NewHTTPGateway(config.PaymentConfig{GatewayURL: "https://gw.test/v1"}); g == nil {
		t.Errorf("NewHTTPGateway with URL = nil, want gateway")
	}
}
