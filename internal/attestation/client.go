package attestation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"c2dagent/internal/catalog"
	"c2dagent/internal/logging"
)

// subjectPattern 接受 did:method:id 形式的 DID，或普通字母数字标识。
var subjectPattern = regexp.MustCompile(`^(did:[a-z0-9]+:[A-Za-z0-9._:%-]+|[A-Za-z0-9][A-Za-z0-9._-]{0,127})$`)

// Client 调用外部核验服务，并按本地策略复核返回的声明。
type Client struct {
	svc   Service
	log   logging.Logger
	now   func() time.Time
	nonce func() (string, error)
}

// NewClient 使用外部核验服务构建客户端。
func NewClient(svc Service, log logging.Logger) *Client {
	return &Client{
		svc:   svc,
		log:   logging.Default(log),
		now:   time.Now,
		nonce: newNonce,
	}
}

// ValidateSubject 在任何远程调用之前检查主体标识格式。
func ValidateSubject(subjectID string) error {
	if !subjectPattern.MatchString(subjectID) {
		return catalog.Build(catalog.InvalidDID, fmt.Sprintf("subject identifier %q is malformed", subjectID), nil)
	}
	return nil
}

// VerifyComprehensive 执行完整核验流程：本地校验、创建证明请求、携带新 nonce 提交、本地复核。
// 远端不可达等失败以 *catalog.Error 返回；策略不满足时返回 IsValid=false 的结果而非错误。
func (c *Client) VerifyComprehensive(ctx context.Context, subjectID string, criteria ProofCriteria) (Result, error) {
	if err := ValidateSubject(subjectID); err != nil {
		return Result{}, err
	}

	req, err := c.svc.CreateProofRequest(ctx, subjectID, criteria)
	if err != nil {
		return Result{}, c.normalize(ctx, "create proof request", err)
	}

	nonce, err := c.nonce()
	if err != nil {
		return Result{}, catalog.Wrap(catalog.ProofRequestFailed, fmt.Errorf("generate nonce: %w", err))
	}

	raw, err := c.svc.SubmitAttestation(ctx, req, nonce)
	if err != nil {
		return Result{}, c.normalize(ctx, "submit attestation", err)
	}

	failed, recs := checkClaims(criteria, raw.Claims)
	if !raw.IsValid {
		failed = append(append([]string(nil), raw.FailedChecks...), failed...)
		if len(failed) == 0 {
			failed = []string{"attestation: rejected by verification service"}
		}
	}

	res := Result{
		IsValid:        len(failed) == 0,
		VerifiedClaims: raw.Claims,
		ProofHash:      raw.ProofHash,
		Timestamp:      c.now().UTC(),
	}
	if res.ProofHash == "" {
		res.ProofHash = proofHash(subjectID, nonce, raw.Claims)
	}
	if !res.IsValid {
		res.FailureDetails = &catalog.FailureDetails{FailedChecks: failed, Recommendations: recs}
		if raw.IsValid {
			c.log.Warnf("subject %s: service reported valid but local policy failed %d check(s)", subjectID, len(failed))
		}
	}
	return res, nil
}

// VerifyAge 只核验最低年龄。
func (c *Client) VerifyAge(ctx context.Context, subjectID string, minimumAge int) (Result, error) {
	return c.VerifyComprehensive(ctx, subjectID, ProofCriteria{Age: &AgeCriteria{MinimumAge: minimumAge}})
}

// VerifyResidency 只核验居住国；blocked 为 nil 时使用默认封锁名单。
func (c *Client) VerifyResidency(ctx context.Context, subjectID string, allowed, blocked []string) (Result, error) {
	return c.VerifyComprehensive(ctx, subjectID, ProofCriteria{
		Residency: &ResidencyCriteria{AllowedCountries: allowed, BlockedCountries: blocked},
	})
}

// VerifyRole 只核验角色与核验等级。
func (c *Client) VerifyRole(ctx context.Context, subjectID string, roles []string, level VerificationLevel) (Result, error) {
	return c.VerifyComprehensive(ctx, subjectID, ProofCriteria{
		Role: &RoleCriteria{RequiredRoles: roles, MinimumLevel: level},
	})
}

func (c *Client) normalize(ctx context.Context, step string, err error) error {
	if ce, ok := catalog.As(err); ok {
		return ce
	}
	if ctx.Err() != nil {
		return catalog.Wrap(catalog.OperationCancelled, context.Cause(ctx))
	}
	c.log.Warnf("attestation %s: %v", step, err)
	return catalog.Wrap(catalog.AttestationServiceUnavailable, fmt.Errorf("%s: %w", step, err))
}

// checkClaims 逐项复核请求的条件，返回失败项与建议。
func checkClaims(criteria ProofCriteria, claims VerifiedClaims) (failed, recs []string) {
	if a := criteria.Age; a != nil {
		switch {
		case claims.Age == nil:
			failed = append(failed, "age: claims missing from attestation")
			recs = append(recs, "Share an age credential with the verifier")
		case !meetsAge(*claims.Age, a.MinimumAge):
			failed = append(failed, fmt.Sprintf("age: subject is under minimum age %d", a.MinimumAge))
			recs = append(recs, fmt.Sprintf("Subject must be at least %d years old", a.MinimumAge))
		}
	}

	if r := criteria.Residency; r != nil {
		if claims.Residency == nil {
			failed = append(failed, "residency: claims missing from attestation")
			recs = append(recs, "Share a residency credential with the verifier")
		} else {
			country := strings.ToUpper(claims.Residency.Country)
			if containsFold(criteria.blockedCountries(), country) {
				failed = append(failed, fmt.Sprintf("residency: country %s is blocked", country))
				recs = append(recs, "Service is unavailable in this jurisdiction")
			}
			if len(r.AllowedCountries) > 0 && !containsFold(r.AllowedCountries, country) {
				failed = append(failed, fmt.Sprintf("residency: country %s is not in allowed countries %v", country, r.AllowedCountries))
				recs = append(recs, "Use a dataset licensed for your country")
			}
		}
	}

	if r := criteria.Role; r != nil {
		switch {
		case claims.Role == nil:
			failed = append(failed, "role: claims missing from attestation")
			recs = append(recs, "Share a professional credential with the verifier")
		default:
			if len(r.RequiredRoles) > 0 && (!claims.Role.IsProfessional || !containsFold(r.RequiredRoles, claims.Role.LicenseType)) {
				failed = append(failed, fmt.Sprintf("role: license %q is not one of %v", claims.Role.LicenseType, r.RequiredRoles))
				recs = append(recs, "Obtain one of the required professional licenses")
			}
			if r.MinimumLevel != "" && !claims.Role.VerificationLevel.AtLeast(r.MinimumLevel) {
				failed = append(failed, fmt.Sprintf("role: verification level %q is below %q", claims.Role.VerificationLevel, r.MinimumLevel))
				recs = append(recs, "Upgrade the credential verification level")
			}
		}
	}

	if i := criteria.Identity; i != nil {
		if claims.Identity == nil {
			failed = append(failed, "identity: claims missing from attestation")
			recs = append(recs, "Complete identity verification")
		} else {
			if i.RequireHuman && !claims.Identity.IsHuman {
				failed = append(failed, "identity: subject is not verified human")
				recs = append(recs, "Complete the liveness check")
			}
			if i.RequireUnique && !claims.Identity.IsUnique {
				failed = append(failed, "identity: subject is not unique")
				recs = append(recs, "Use the identity originally registered")
			}
			if i.MaxRiskScore > 0 && claims.Identity.RiskScore > i.MaxRiskScore {
				failed = append(failed, fmt.Sprintf("identity: risk score %d exceeds maximum %d", claims.Identity.RiskScore, i.MaxRiskScore))
				recs = append(recs, "Contact support to review the risk assessment")
			}
		}
	}
	return failed, recs
}

func meetsAge(a AgeClaims, minimum int) bool {
	switch {
	case minimum <= 0:
		return true
	case minimum <= 18 && a.IsOver18:
		return true
	case minimum <= 21 && a.IsOver21:
		return true
	}
	lower, ok := ageLowerBound(a.AgeRange)
	return ok && lower >= minimum
}

// ageLowerBound 解析 "25-34" 或 "65+" 形式的年龄段下限。
func ageLowerBound(r string) (int, bool) {
	r = strings.TrimSpace(r)
	if r == "" {
		return 0, false
	}
	end := strings.IndexAny(r, "-+")
	if end < 0 {
		end = len(r)
	}
	n, err := strconv.Atoi(strings.TrimSpace(r[:end]))
	if err != nil {
		return 0, false
	}
	return n, true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// proofHash 在服务未返回证明哈希时派生 keccak256(subject|nonce|claims)。
func proofHash(subjectID, nonce string, claims VerifiedClaims) string {
	payload, _ := json.Marshal(claims)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(subjectID))
	h.Write([]byte{'|'})
	h.Write([]byte(nonce))
	h.Write([]byte{'|'})
	h.Write(payload)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
