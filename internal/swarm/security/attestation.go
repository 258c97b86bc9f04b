// Package security implements the cryptographic delegation boundary of the
// swarm: HMAC/Ed25519 task attestations, macaroon-style capability tokens
// with attenuation, and scoped data access guards.
package security

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// Attestation is a verifiable statement about a task outcome. The HMAC keys
// it to the shared swarm secret; the Ed25519 signature, when present, binds
// it to the producing node.
type Attestation struct {
	TaskID           string            `json:"task_id"`
	PeerNodeID       string            `json:"peer_node_id"`
	Status           common.TaskStatus `json:"status"`
	FindingsHash     string            `json:"findings_hash"` // hex sha256
	Timestamp        time.Time         `json:"timestamp"`
	HMAC             string            `json:"hmac"`                        // hex
	Ed25519Signature string            `json:"ed25519_signature,omitempty"` // base64
}

// FindingsHash computes sha256 over the canonical JSON of a findings array.
// encoding/json is deterministic for struct slices, which makes the
// marshalled bytes canonical.
func FindingsHash(findings []common.Finding) (string, error) {
	if findings == nil {
		findings = []common.Finding{}
	}
	raw, err := json.Marshal(findings)
	if err != nil {
		return "", fmt.Errorf("marshal findings: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalString is the MAC input: task_id|peer_node_id|status|findings_hash|timestamp.
func (a *Attestation) canonicalString() string {
	return strings.Join([]string{
		a.TaskID,
		a.PeerNodeID,
		string(a.Status),
		a.FindingsHash,
		a.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "|")
}

func computeHMAC(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateAttestation builds and MACs an attestation for a task result.
func CreateAttestation(result *common.TaskResult, secret []byte) (*Attestation, error) {
	if result == nil {
		return nil, fmt.Errorf("nil result")
	}
	fh, err := FindingsHash(result.Findings)
	if err != nil {
		return nil, err
	}
	a := &Attestation{
		TaskID:       result.TaskID,
		PeerNodeID:   result.PeerNodeID,
		Status:       result.Status,
		FindingsHash: fh,
		Timestamp:    time.Now().UTC(),
	}
	a.HMAC = computeHMAC(secret, a.canonicalString())
	return a, nil
}

// Sign attaches an Ed25519 signature over the MACed attestation bytes.
func (a *Attestation) Sign(priv ed25519.PrivateKey) {
	payload := a.canonicalString() + "|" + a.HMAC
	a.Ed25519Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(payload)))
}

// VerifyAttestation re-derives the HMAC under the given secret.
func VerifyAttestation(a *Attestation, secret []byte) bool {
	if a == nil {
		return false
	}
	expected := computeHMAC(secret, a.canonicalString())
	return hmac.Equal([]byte(expected), []byte(a.HMAC))
}

// VerifySignature checks the optional Ed25519 signature against the holder's
// public key. Returns false when no signature is present.
func VerifySignature(a *Attestation, pub ed25519.PublicKey) bool {
	if a == nil || a.Ed25519Signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(a.Ed25519Signature)
	if err != nil {
		return false
	}
	payload := a.canonicalString() + "|" + a.HMAC
	return ed25519.Verify(pub, []byte(payload), sig)
}

// ChainLink is one delegation hop in an attestation chain.
type ChainLink struct {
	Attestation     Attestation `json:"attestation"`
	DelegatorNodeID string      `json:"delegator_node_id"`
	DelegateeNodeID string      `json:"delegatee_node_id"`
	Depth           int         `json:"depth"`
}

// AttestationChain is an append-only record of a delegation path. Every link
// attests the same root task; link i's delegatee is link i+1's delegator.
type AttestationChain struct {
	RootTaskID string      `json:"root_task_id"`
	Links      []ChainLink `json:"links"`
}

// Append adds a link, enforcing contiguous depth and hop continuity.
func (c *AttestationChain) Append(link ChainLink) error {
	if link.Depth != len(c.Links) {
		return fmt.Errorf("link depth %d, expected %d", link.Depth, len(c.Links))
	}
	if link.Attestation.TaskID != c.RootTaskID {
		return fmt.Errorf("link task %s does not match root task %s", link.Attestation.TaskID, c.RootTaskID)
	}
	if n := len(c.Links); n > 0 && c.Links[n-1].DelegateeNodeID != link.DelegatorNodeID {
		return fmt.Errorf("link delegator %s does not continue from %s", link.DelegatorNodeID, c.Links[n-1].DelegateeNodeID)
	}
	c.Links = append(c.Links, link)
	return nil
}

// ChainVerification is the outcome of VerifyChain. InvalidAtDepth is -1 when
// the chain is valid.
type ChainVerification struct {
	Valid          bool   `json:"valid"`
	InvalidAtDepth int    `json:"invalid_at_depth"`
	Reason         string `json:"reason,omitempty"`
}

// VerifyChain walks the links verifying each MAC, contiguous depths, the
// shared root task id, and delegator/delegatee continuity.
func VerifyChain(c *AttestationChain, secret []byte) ChainVerification {
	fail := func(depth int, reason string) ChainVerification {
		return ChainVerification{Valid: false, InvalidAtDepth: depth, Reason: reason}
	}
	if c == nil || len(c.Links) == 0 {
		return fail(0, "empty chain")
	}
	for i := range c.Links {
		link := &c.Links[i]
		if link.Depth != i {
			return fail(i, fmt.Sprintf("depth %d at index %d", link.Depth, i))
		}
		if link.Attestation.TaskID != c.RootTaskID {
			return fail(i, "root task mismatch")
		}
		if !VerifyAttestation(&link.Attestation, secret) {
			return fail(i, "attestation MAC mismatch")
		}
		if i > 0 && c.Links[i-1].DelegateeNodeID != link.DelegatorNodeID {
			return fail(i, "delegation continuity broken")
		}
	}
	return ChainVerification{Valid: true, InvalidAtDepth: -1}
}
