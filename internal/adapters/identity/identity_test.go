package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"c2dagent/internal/attestation"
	"c2dagent/internal/catalog"
	"c2dagent/internal/logging"
)

func newIdentityServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /proof-requests", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		var body proofRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(attestation.ProofRequest{ID: "req-9", SubjectID: body.SubjectID, Criteria: body.Criteria})
	})
	mux.HandleFunc("POST /proof-requests/{id}/attestations", func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "upstream down", status)
			return
		}
		var body attestationBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "req-9", r.PathValue("id"))
		require.NotEmpty(t, body.Nonce)
		_ = json.NewEncoder(w).Encode(attestation.Verification{
			IsValid: true,
			Claims: attestation.VerifiedClaims{
				Age:       &attestation.AgeClaims{IsOver18: true, AgeRange: "25-34"},
				Residency: &attestation.ResidencyClaims{Country: "US"},
			},
			ProofHash: "0xfeed",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func criteria() attestation.ProofCriteria {
	return attestation.ProofCriteria{
		Age:       &attestation.AgeCriteria{MinimumAge: 18},
		Residency: &attestation.ResidencyCriteria{AllowedCountries: []string{"US"}},
	}
}

func TestGatewayServiceRoundTrip(t *testing.T) {
	require := require.New(t)
	srv := newIdentityServer(t, http.StatusOK)
	svc, err := NewGatewayService(srv.URL, "secret", logging.Discard)
	require.NoError(err)

	client := attestation.NewClient(svc, logging.Discard)
	res, err := client.VerifyComprehensive(context.Background(), "user-1", criteria())
	require.NoError(err)
	require.True(res.IsValid)
	require.Equal("0xfeed", res.ProofHash)
}

func TestGatewayServiceMapsStatusCodes(t *testing.T) {
	ctx := context.Background()

	srv := newIdentityServer(t, http.StatusOK)
	svc, err := NewGatewayService(srv.URL, "wrong", logging.Discard)
	require.NoError(t, err)
	_, err = svc.CreateProofRequest(ctx, "user-1", criteria())
	require.True(t, catalog.HasCode(err, catalog.InvalidCredentials))

	down := newIdentityServer(t, http.StatusServiceUnavailable)
	svc, err = NewGatewayService(down.URL, "secret", logging.Discard)
	require.NoError(t, err)
	_, err = svc.SubmitAttestation(ctx, attestation.ProofRequest{ID: "req-9"}, "n")
	ce, ok := catalog.As(err)
	require.True(t, ok)
	require.Equal(t, catalog.AttestationServiceUnavailable, ce.Code)
	require.True(t, ce.Retryable)

	bad := newIdentityServer(t, http.StatusBadRequest)
	svc, err = NewGatewayService(bad.URL, "secret", logging.Discard)
	require.NoError(t, err)
	_, err = svc.SubmitAttestation(ctx, attestation.ProofRequest{ID: "req-9"}, "n")
	require.True(t, catalog.HasCode(err, catalog.ProofRequestFailed))
}

func TestNewGatewayServiceRequiresEndpoint(t *testing.T) {
	_, err := NewGatewayService(" ", "", logging.Discard)
	require.True(t, catalog.HasCode(err, catalog.MissingConfiguration))
}

func TestStaticServiceFromFile(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "subjects.yaml")
	doc := `
subjects:
  user-1:
    age: {isOver18: true, isOver21: true, ageRange: "25-34"}
    residency: {country: US, isUsResident: true}
  user-2:
    age: {isOver18: true}
    residency: {country: KP}
`
	require.NoError(os.WriteFile(path, []byte(doc), 0o644))
	svc, err := LoadStaticService(path)
	require.NoError(err)
	client := attestation.NewClient(svc, logging.Discard)

	ok, err := client.VerifyComprehensive(context.Background(), "user-1", criteria())
	require.NoError(err)
	require.True(ok.IsValid)
	require.Nil(ok.VerifiedClaims.Role)

	blocked, err := client.VerifyComprehensive(context.Background(), "user-2", criteria())
	require.NoError(err)
	require.False(blocked.IsValid)
	require.Equal(catalog.CountryBlocked, attestation.Classify(blocked).Code)

	unknown, err := client.VerifyComprehensive(context.Background(), "user-3", criteria())
	require.NoError(err)
	require.False(unknown.IsValid)
}
