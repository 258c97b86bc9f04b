// Package verify grades delegated task results after the fact: did the
// result honor its contract, does the attestation hold up, and how much of
// the work actually succeeded.
package verify

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/security"
)

// Verification methods.
const (
	MethodDirect   = "direct"   // no attestation supplied
	MethodAttested = "attested" // HMAC (and optionally signature) checked
)

// Report is the verdict on one task result.
type Report struct {
	TaskID               string   `json:"task_id"`
	Method               string   `json:"method"`
	AttestationValid     bool     `json:"attestation_valid"`
	SignatureValid       bool     `json:"signature_valid"`
	OutcomeScore         float64  `json:"outcome_score"`
	SLOViolations        []string `json:"slo_violations,omitempty"`
	CapabilityViolations []string `json:"capability_violations,omitempty"`
	QualityIssues        []string `json:"quality_issues,omitempty"`
}

// Passed reports whether the result is clean enough to trust.
func (r *Report) Passed() bool {
	if r.Method == MethodAttested && !r.AttestationValid {
		return false
	}
	return len(r.SLOViolations) == 0 && len(r.CapabilityViolations) == 0
}

// Verifier checks results against contracts and attestations.
type Verifier struct {
	secret []byte
	logger *slog.Logger
}

// New builds a Verifier keyed to the shared swarm secret.
func New(secret []byte, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{secret: secret, logger: logger.With("component", "verifier")}
}

// Verify grades one result. contract, attestation, and peerPublicKey may
// each be absent; what is present gets checked.
func (v *Verifier) Verify(result *common.TaskResult, contract *common.DelegationContract, att *security.Attestation, peerPublicKey string) *Report {
	report := &Report{
		TaskID: result.TaskID,
		Method: MethodDirect,
	}

	if att != nil {
		report.Method = MethodAttested
		report.AttestationValid = v.checkAttestation(result, att)
		if report.AttestationValid && peerPublicKey != "" {
			if pub, err := base64.StdEncoding.DecodeString(peerPublicKey); err == nil && len(pub) == ed25519.PublicKeySize {
				report.SignatureValid = security.VerifySignature(att, ed25519.PublicKey(pub))
			}
		}
	}

	if contract != nil {
		report.SLOViolations = checkSLO(result, contract.SLO)
		report.CapabilityViolations = checkCapabilities(result, contract.PermissionBoundary)
	}

	report.QualityIssues, report.OutcomeScore = gradeFindings(result)

	v.logger.Debug("result verified",
		"task_id", result.TaskID, "method", report.Method,
		"score", report.OutcomeScore, "passed", report.Passed())
	return report
}

// checkAttestation validates the MAC and that the attestation actually
// describes this result.
func (v *Verifier) checkAttestation(result *common.TaskResult, att *security.Attestation) bool {
	if !security.VerifyAttestation(att, v.secret) {
		return false
	}
	if att.TaskID != result.TaskID || att.Status != result.Status {
		return false
	}
	fh, err := security.FindingsHash(result.Findings)
	if err != nil {
		return false
	}
	return fh == att.FindingsHash
}

// checkSLO compares consumption against contract bounds. Fields at the
// unbounded sentinel are skipped.
func checkSLO(result *common.TaskResult, slo common.SLO) []string {
	var violations []string
	if slo.MaxDurationMs > 0 && slo.MaxDurationMs < common.MaxSafeInteger && result.DurationMs > slo.MaxDurationMs {
		violations = append(violations,
			fmt.Sprintf("duration %dms exceeds limit %dms", result.DurationMs, slo.MaxDurationMs))
	}
	if slo.MaxTokens > 0 && slo.MaxTokens < common.MaxSafeInteger && result.TokensUsed > slo.MaxTokens {
		violations = append(violations,
			fmt.Sprintf("tokens %d exceed limit %d", result.TokensUsed, slo.MaxTokens))
	}
	if slo.MaxCostUSD > 0 && slo.MaxCostUSD < float64(common.MaxSafeInteger) && result.CostUSD > slo.MaxCostUSD {
		violations = append(violations,
			fmt.Sprintf("cost %.4f exceeds limit %.4f", result.CostUSD, slo.MaxCostUSD))
	}
	return violations
}

// checkCapabilities flags findings produced with tools outside the
// allowlist. An empty allowlist allows everything.
func checkCapabilities(result *common.TaskResult, boundary common.PermissionBoundary) []string {
	if len(boundary.ToolAllowlist) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(boundary.ToolAllowlist))
	for _, tool := range boundary.ToolAllowlist {
		allowed[tool] = struct{}{}
	}
	var violations []string
	for _, f := range result.Findings {
		if f.Tool == "" {
			continue
		}
		if _, ok := allowed[f.Tool]; !ok {
			violations = append(violations,
				fmt.Sprintf("finding %q used tool %q outside allowlist", f.StepTitle, f.Tool))
		}
	}
	return violations
}

// gradeFindings computes quality issues and the succeeded/total score. A
// completed result with no findings at all is suspicious.
func gradeFindings(result *common.TaskResult) ([]string, float64) {
	var issues []string
	if len(result.Findings) == 0 {
		if result.Status == common.TaskCompleted {
			issues = append(issues, "completed with no findings")
		}
		return issues, 0
	}

	succeeded := 0
	for _, f := range result.Findings {
		switch f.Status {
		case "failed":
		default:
			// Findings without an explicit status count as succeeded.
			succeeded++
		}
		if f.Summary == "" {
			issues = append(issues, fmt.Sprintf("finding %q has no summary", f.StepTitle))
		}
	}
	return issues, float64(succeeded) / float64(len(result.Findings))
}
