package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"c2dagent/internal/attestation"
	"c2dagent/internal/catalog"
	"c2dagent/internal/logging"
)

const (
	defaultGatewayTimeout = 30 * time.Second
	maxResponseBytes      = 1 << 20
)

// GatewayService 通过 HTTP 调用外部身份核验服务。
type GatewayService struct {
	baseURL    string
	credential string
	client     *http.Client
	log        logging.Logger
}

// NewGatewayService 构造身份服务客户端；credential 以 Bearer 方式发送。
func NewGatewayService(endpoint, credential string, log logging.Logger) (*GatewayService, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, catalog.Build(catalog.MissingConfiguration, "attestation endpoint is empty", nil)
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, catalog.Wrap(catalog.MissingConfiguration, fmt.Errorf("attestation endpoint %q: %w", trimmed, err))
	}
	return &GatewayService{
		baseURL:    strings.TrimRight(trimmed, "/"),
		credential: strings.TrimSpace(credential),
		client:     &http.Client{Timeout: defaultGatewayTimeout},
		log:        logging.Default(log),
	}, nil
}

type proofRequestBody struct {
	SubjectID string                    `json:"subjectId"`
	Criteria  attestation.ProofCriteria `json:"criteria"`
}

type attestationBody struct {
	Nonce string `json:"nonce"`
}

// CreateProofRequest 登记一次证明请求。
func (g *GatewayService) CreateProofRequest(ctx context.Context, subjectID string, criteria attestation.ProofCriteria) (attestation.ProofRequest, error) {
	var out attestation.ProofRequest
	if err := g.post(ctx, "/proof-requests", proofRequestBody{SubjectID: subjectID, Criteria: criteria}, &out); err != nil {
		return attestation.ProofRequest{}, err
	}
	if out.ID == "" {
		return attestation.ProofRequest{}, catalog.Build(catalog.ProofRequestFailed, "service returned a proof request without id", nil)
	}
	if out.SubjectID == "" {
		out.SubjectID = subjectID
	}
	g.log.Infof("proof request %s created for %s", out.ID, subjectID)
	return out, nil
}

// SubmitAttestation 以新鲜 nonce 提交证明并取回核验结论。
func (g *GatewayService) SubmitAttestation(ctx context.Context, req attestation.ProofRequest, nonce string) (attestation.Verification, error) {
	var out attestation.Verification
	path := fmt.Sprintf("/proof-requests/%s/attestations", url.PathEscape(req.ID))
	if err := g.post(ctx, path, attestationBody{Nonce: nonce}, &out); err != nil {
		return attestation.Verification{}, err
	}
	return out, nil
}

func (g *GatewayService) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	target := g.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.credential != "" {
		req.Header.Set("Authorization", "Bearer "+g.credential)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", target, err)
	}
	if resp.StatusCode/100 != 2 {
		return statusError(target, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return catalog.Wrap(catalog.ProofRequestFailed, fmt.Errorf("decode %s: %w", target, err))
	}
	return nil
}

// statusError 把 HTTP 状态映射为目录错误码。
func statusError(target string, status int, body string) error {
	cause := fmt.Errorf("identity service %s status %d: %s", target, status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return catalog.Wrap(catalog.InvalidCredentials, cause)
	case status == http.StatusTooManyRequests || status >= 500:
		return catalog.Wrap(catalog.AttestationServiceUnavailable, cause)
	default:
		return catalog.Wrap(catalog.ProofRequestFailed, cause)
	}
}
