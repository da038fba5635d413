package handlers_test

import (
	"net/http"
	"strings"
	"testing"

	bursarapi "inkwell/bursar/pkg/api/bursar"
)

func TestCheckoutUnconfiguredProviderAnswers503(t *testing.T) {
	env := newTestEnv(t)

	for _, provider := range []string{"stripe", "mollie"} {
		w := env.request(t, http.MethodPost, "/api/checkout", bursarapi.CheckoutRequest{
			Credits:  500,
			Provider: provider,
		}, env.asUser(t, "writer-1"))
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: status %d, want 503: %s", provider, w.Code, w.Body.String())
		}
	}
}

func TestCheckoutRejectsUnknownProvider(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/checkout", bursarapi.CheckoutRequest{
		Credits:  500,
		Provider: "paypal",
	}, env.asUser(t, "writer-1"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestCheckoutEnforcesMinimumPack(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/checkout", bursarapi.CheckoutRequest{
		Credits:  50,
		Provider: "stripe",
	}, env.asUser(t, "writer-1"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "minimum top-up is 100 credits") {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}
}

func TestCheckoutMinimumPackIsConfigurable(t *testing.T) {
	t.Setenv("BILLING_MIN_TOPUP_CREDITS", "1000")
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/checkout", bursarapi.CheckoutRequest{
		Credits:  500,
		Provider: "stripe",
	}, env.asUser(t, "writer-1"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "minimum top-up is 1000 credits") {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}
}
