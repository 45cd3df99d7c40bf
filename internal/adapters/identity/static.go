package identity

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"c2dagent/internal/attestation"
)

// SubjectClaims 是静态身份文件中的一条记录。
type SubjectClaims struct {
	Age       *attestation.AgeClaims       `json:"age,omitempty"`
	Residency *attestation.ResidencyClaims `json:"residency,omitempty"`
	Role      *attestation.RoleClaims      `json:"role,omitempty"`
	Identity  *attestation.IdentityClaims  `json:"identity,omitempty"`
}

// StaticService 以固定声明回答证明请求，用于演示与离线运行。
// 它只返回被请求的声明子集，是否满足条件由 attestation.Client 判断。
type StaticService struct {
	mu       sync.Mutex
	subjects map[string]SubjectClaims
}

func NewStaticService(subjects map[string]SubjectClaims) *StaticService {
	if subjects == nil {
		subjects = map[string]SubjectClaims{}
	}
	return &StaticService{subjects: subjects}
}

// LoadStaticService 从 YAML 文件读取 subjectId -> 声明 映射。
func LoadStaticService(path string) (*StaticService, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var doc struct {
		Subjects map[string]SubjectClaims `json:"subjects"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return NewStaticService(doc.Subjects), nil
}

// Set 替换某个主体的声明。
func (s *StaticService) Set(subjectID string, claims SubjectClaims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[subjectID] = claims
}

func (s *StaticService) CreateProofRequest(_ context.Context, subjectID string, criteria attestation.ProofCriteria) (attestation.ProofRequest, error) {
	return attestation.ProofRequest{ID: uuid.NewString(), SubjectID: subjectID, Criteria: criteria}, nil
}

func (s *StaticService) SubmitAttestation(_ context.Context, req attestation.ProofRequest, _ string) (attestation.Verification, error) {
	s.mu.Lock()
	claims, ok := s.subjects[req.SubjectID]
	s.mu.Unlock()
	if !ok {
		return attestation.Verification{
			IsValid:      false,
			FailedChecks: []string{"identity: subject is not verified human"},
		}, nil
	}

	var v attestation.VerifiedClaims
	c := req.Criteria
	if c.Age != nil {
		v.Age = claims.Age
	}
	if c.Residency != nil {
		v.Residency = claims.Residency
	}
	if c.Role != nil {
		v.Role = claims.Role
	}
	if c.Identity != nil {
		v.Identity = claims.Identity
	}
	return attestation.Verification{IsValid: true, Claims: v}, nil
}
