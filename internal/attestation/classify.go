package attestation

import (
	"regexp"

	"c2dagent/internal/catalog"
)

// failurePatterns 按顺序匹配失败描述；授权类放在前面，保证最严重的原因优先。
var failurePatterns = []struct {
	re   *regexp.Regexp
	code catalog.Code
}{
	{regexp.MustCompile(`(?i)\bblocked\b|sanction`), catalog.CountryBlocked},
	{regexp.MustCompile(`(?i)not unique|duplicate`), catalog.DuplicateIdentity},
	{regexp.MustCompile(`(?i)minimum age|under ?age|too young`), catalog.UnderMinimumAge},
	{regexp.MustCompile(`(?i)not in allowed|country not allowed`), catalog.CountryNotAllowed},
	{regexp.MustCompile(`(?i)risk score`), catalog.RiskScoreTooHigh},
	{regexp.MustCompile(`(?i)^role:|verification level|license`), catalog.InsufficientRole},
	{regexp.MustCompile(`(?i)not verified human|not human|liveness`), catalog.NotHuman},
}

// Classify 把无效结果映射为最具体的错误码；有效结果返回 nil。
func Classify(res Result) *catalog.Error {
	if res.IsValid {
		return nil
	}
	var checks []string
	if res.FailureDetails != nil {
		checks = res.FailureDetails.FailedChecks
	}
	return catalog.Build(codeFor(checks), "", res.FailureDetails)
}

func codeFor(checks []string) catalog.Code {
	for _, p := range failurePatterns {
		for _, c := range checks {
			if p.re.MatchString(c) {
				return p.code
			}
		}
	}
	return catalog.VerificationFailed
}
