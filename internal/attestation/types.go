package attestation

import (
	"context"
	"strings"
	"time"

	"c2dagent/internal/catalog"
)

// VerificationLevel 是角色凭证的核验强度。
type VerificationLevel string

const (
	LevelBasic    VerificationLevel = "basic"
	LevelEnhanced VerificationLevel = "enhanced"
	LevelPremium  VerificationLevel = "premium"
)

var levelRank = map[VerificationLevel]int{
	LevelBasic:    1,
	LevelEnhanced: 2,
	LevelPremium:  3,
}

// AtLeast 判断 l 是否不低于 min；未知等级视为最低。
func (l VerificationLevel) AtLeast(min VerificationLevel) bool {
	return levelRank[VerificationLevel(strings.ToLower(string(l)))] >= levelRank[min]
}

// DefaultBlockedCountries 在 ResidencyCriteria.BlockedCountries 为 nil 时生效。
var DefaultBlockedCountries = []string{"KP", "IR", "SY", "CU"}

type AgeCriteria struct {
	MinimumAge int `json:"minimumAge"`
}

// ResidencyCriteria 中 BlockedCountries 为 nil 表示使用默认封锁名单，空切片表示不封锁。
type ResidencyCriteria struct {
	AllowedCountries []string `json:"allowedCountries,omitempty"`
	BlockedCountries []string `json:"blockedCountries"`
}

type RoleCriteria struct {
	RequiredRoles []string          `json:"requiredRoles,omitempty"`
	MinimumLevel  VerificationLevel `json:"minimumLevel,omitempty"`
}

// IdentityCriteria 中 MaxRiskScore 为 0 表示不限制风险分。
type IdentityCriteria struct {
	RequireHuman  bool `json:"requireHuman"`
	RequireUnique bool `json:"requireUnique"`
	MaxRiskScore  int  `json:"maxRiskScore,omitempty"`
}

// ProofCriteria 声明需要证明的条件；调用方传入后不再修改。
type ProofCriteria struct {
	Age       *AgeCriteria       `json:"requireAge,omitempty"`
	Residency *ResidencyCriteria `json:"requireResidency,omitempty"`
	Role      *RoleCriteria      `json:"requireRole,omitempty"`
	Identity  *IdentityCriteria  `json:"requireIdentity,omitempty"`
}

func (c ProofCriteria) blockedCountries() []string {
	if c.Residency == nil {
		return nil
	}
	if c.Residency.BlockedCountries == nil {
		return DefaultBlockedCountries
	}
	return c.Residency.BlockedCountries
}

type AgeClaims struct {
	IsOver18 bool   `json:"isOver18"`
	IsOver21 bool   `json:"isOver21"`
	AgeRange string `json:"ageRange,omitempty"`
}

type ResidencyClaims struct {
	Country      string `json:"country"`
	Region       string `json:"region,omitempty"`
	IsEUResident bool   `json:"isEuResident"`
	IsUSResident bool   `json:"isUsResident"`
}

type RoleClaims struct {
	IsProfessional    bool              `json:"isProfessional"`
	LicenseType       string            `json:"licenseType,omitempty"`
	VerificationLevel VerificationLevel `json:"verificationLevel"`
}

type IdentityClaims struct {
	IsHuman   bool `json:"isHuman"`
	IsUnique  bool `json:"isUnique"`
	RiskScore int  `json:"riskScore"`
}

// VerifiedClaims 只包含被请求的子对象。
type VerifiedClaims struct {
	Age       *AgeClaims       `json:"age,omitempty"`
	Residency *ResidencyClaims `json:"residency,omitempty"`
	Role      *RoleClaims      `json:"role,omitempty"`
	Identity  *IdentityClaims  `json:"identity,omitempty"`
}

// Result 是一次证明尝试的结果，构造后不再修改。
type Result struct {
	IsValid        bool                    `json:"isValid"`
	VerifiedClaims VerifiedClaims          `json:"verifiedClaims"`
	ProofHash      string                  `json:"proofHash"`
	Timestamp      time.Time               `json:"timestamp"`
	FailureDetails *catalog.FailureDetails `json:"failureDetails,omitempty"`
}

// ProofRequest 是远端服务根据条件生成的请求句柄。
type ProofRequest struct {
	ID        string        `json:"id"`
	SubjectID string        `json:"subjectId"`
	Criteria  ProofCriteria `json:"criteria"`
}

// Verification 是远端服务返回的原始结论。
type Verification struct {
	IsValid      bool           `json:"isValid"`
	Claims       VerifiedClaims `json:"verifiedClaims"`
	ProofHash    string         `json:"proofHash,omitempty"`
	FailedChecks []string       `json:"failedChecks,omitempty"`
}

// Service 抽象外部身份核验服务。
type Service interface {
	CreateProofRequest(ctx context.Context, subjectID string, criteria ProofCriteria) (ProofRequest, error)
	SubmitAttestation(ctx context.Context, req ProofRequest, nonce string) (Verification, error)
}
