package security

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// CaveatType classifies a capability token constraint.
type CaveatType string

const (
	CaveatToolRestriction   CaveatType = "tool_restriction"
	CaveatPathRestriction   CaveatType = "path_restriction"
	CaveatCostLimit         CaveatType = "cost_limit"
	CaveatTokenLimit        CaveatType = "token_limit"
	CaveatReadOnly          CaveatType = "read_only"
	CaveatTimeBound         CaveatType = "time_bound"
	CaveatDomainRestriction CaveatType = "domain_restriction"
)

// Caveat is one constraint attached to a capability token. Which payload
// field applies depends on Type.
type Caveat struct {
	Type     CaveatType `json:"type"`
	Tools    []string   `json:"tools,omitempty"`
	Paths    []string   `json:"paths,omitempty"`
	Limit    float64    `json:"limit,omitempty"`
	NotAfter time.Time  `json:"not_after,omitzero"`
	Domains  []string   `json:"domains,omitempty"`
}

// Token is a macaroon-style delegation capability token. Each attenuation
// appends one HMAC link to the signature chain.
type Token struct {
	DCTID          string    `json:"dct_id"`
	RootDelegator  string    `json:"root_delegator"`
	Holder         string    `json:"holder"`
	ParentDCTID    string    `json:"parent_dct_id,omitempty"`
	Caveats        []Caveat  `json:"caveats"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	SignatureChain []string  `json:"signature_chain"` // hex, one per link
	Revoked        bool      `json:"revoked"`
	Depth          int       `json:"depth"`
}

// AccessRequest is the action a token is asked to authorize.
type AccessRequest struct {
	Tool    string  `json:"tool,omitempty"`
	Path    string  `json:"path,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
	Tokens  int64   `json:"tokens,omitempty"`
	Domain  string  `json:"domain,omitempty"`
	Write   bool    `json:"write,omitempty"`
}

// TokenManagerConfig holds capability token settings.
type TokenManagerConfig struct {
	DefaultExpiry  time.Duration `json:"default_expiry"`
	MaxCaveatDepth int           `json:"max_caveat_depth"`
}

// DefaultTokenManagerConfig returns the standard limits.
func DefaultTokenManagerConfig() TokenManagerConfig {
	return TokenManagerConfig{
		DefaultExpiry:  time.Hour,
		MaxCaveatDepth: 10,
	}
}

// TokenManager mints, attenuates, verifies and revokes capability tokens.
type TokenManager struct {
	secret []byte
	config TokenManagerConfig

	mu       sync.RWMutex
	tokens   map[string]*Token
	children map[string][]string // dct_id -> child dct_ids

	logger *slog.Logger
}

// NewTokenManager creates a manager keyed to the shared swarm secret.
func NewTokenManager(secret []byte, config TokenManagerConfig, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DefaultExpiry <= 0 {
		config.DefaultExpiry = time.Hour
	}
	if config.MaxCaveatDepth <= 0 {
		config.MaxCaveatDepth = 10
	}
	return &TokenManager{
		secret:   secret,
		config:   config,
		tokens:   make(map[string]*Token),
		children: make(map[string][]string),
		logger:   logger.With("component", "dct"),
	}
}

func caveatsJSON(caveats []Caveat) string {
	if caveats == nil {
		caveats = []Caveat{}
	}
	raw, _ := json.Marshal(caveats)
	return string(raw)
}

// rootSignature = HMAC(secret, dct_id || caveats_json).
func (tm *TokenManager) rootSignature(dctID string, caveats []Caveat) string {
	return computeHMAC(tm.secret, dctID+caveatsJSON(caveats))
}

// linkSignature = HMAC(secret, dct_id || prev_signature || all_caveats_json).
func (tm *TokenManager) linkSignature(dctID, prevSig string, caveats []Caveat) string {
	return computeHMAC(tm.secret, dctID+prevSig+caveatsJSON(caveats))
}

// CreateRootToken mints a root token held by holder. A zero expiry uses the
// configured default.
func (tm *TokenManager) CreateRootToken(holder string, caveats []Caveat, expiry time.Duration) (*Token, error) {
	if strings.TrimSpace(holder) == "" {
		return nil, common.ErrValidation("token holder is required")
	}
	if expiry <= 0 {
		expiry = tm.config.DefaultExpiry
	}
	now := time.Now().UTC()
	tok := &Token{
		DCTID:         uuid.New().String(),
		RootDelegator: holder,
		Holder:        holder,
		Caveats:       append([]Caveat(nil), caveats...),
		CreatedAt:     now,
		ExpiresAt:     now.Add(expiry),
		Depth:         0,
	}
	tok.SignatureChain = []string{tm.rootSignature(tok.DCTID, tok.Caveats)}

	tm.mu.Lock()
	tm.tokens[tok.DCTID] = tok
	tm.mu.Unlock()

	tm.logger.Debug("root token minted", "dct_id", tok.DCTID, "holder", holder, "caveats", len(tok.Caveats))
	return tok.clone(), nil
}

// Attenuate derives a strictly narrower token from parent for newHolder.
// New caveats may only tighten: tool sets cannot grow, numeric limits cannot
// increase, time bounds cannot extend.
func (tm *TokenManager) Attenuate(parentID string, newCaveats []Caveat, newHolder string) (*Token, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	parent, ok := tm.tokens[parentID]
	if !ok {
		return nil, common.ErrCapabilityViolation("parent token unknown").WithContext("dct_id", parentID)
	}
	if parent.Revoked {
		return nil, common.NewSwarmError(common.ErrCodeTokenRevoked, "parent token revoked").WithContext("dct_id", parentID)
	}
	if parent.Depth+1 >= tm.config.MaxCaveatDepth {
		return nil, common.ErrCapabilityViolation("attenuation chain too deep").
			WithContext("depth", parent.Depth+1).
			WithContext("max", tm.config.MaxCaveatDepth)
	}
	for _, cav := range newCaveats {
		if err := checkNarrowing(parent.Caveats, cav); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	expires := parent.ExpiresAt
	for _, cav := range newCaveats {
		if cav.Type == CaveatTimeBound && !cav.NotAfter.IsZero() && cav.NotAfter.Before(expires) {
			expires = cav.NotAfter
		}
	}

	child := &Token{
		DCTID:         uuid.New().String(),
		RootDelegator: parent.RootDelegator,
		Holder:        newHolder,
		ParentDCTID:   parent.DCTID,
		Caveats:       append(append([]Caveat(nil), parent.Caveats...), newCaveats...),
		CreatedAt:     now,
		ExpiresAt:     expires,
		Depth:         parent.Depth + 1,
	}
	prevSig := parent.SignatureChain[len(parent.SignatureChain)-1]
	child.SignatureChain = append(append([]string(nil), parent.SignatureChain...),
		tm.linkSignature(child.DCTID, prevSig, child.Caveats))

	tm.tokens[child.DCTID] = child
	tm.children[parent.DCTID] = append(tm.children[parent.DCTID], child.DCTID)

	tm.logger.Debug("token attenuated", "dct_id", child.DCTID, "parent", parent.DCTID, "holder", newHolder)
	return child.clone(), nil
}

// checkNarrowing rejects a new caveat that is less restrictive than what the
// parent's caveats of the same type already allow.
func checkNarrowing(parentCaveats []Caveat, cav Caveat) error {
	switch cav.Type {
	case CaveatToolRestriction:
		parentTools := effectiveToolSet(parentCaveats)
		if parentTools == nil {
			return nil // parent unrestricted, any restriction narrows
		}
		for _, t := range cav.Tools {
			if _, ok := parentTools[t]; !ok {
				return common.ErrCapabilityViolation("tool not permitted by parent").WithContext("tool", t)
			}
		}
	case CaveatCostLimit, CaveatTokenLimit:
		if limit, bounded := effectiveLimit(parentCaveats, cav.Type); bounded && cav.Limit > limit {
			return common.ErrCapabilityViolation(
				fmt.Sprintf("%s %.4f exceeds parent's limit %.4f", cav.Type, cav.Limit, limit))
		}
	case CaveatTimeBound:
		for _, p := range parentCaveats {
			if p.Type == CaveatTimeBound && !p.NotAfter.IsZero() && cav.NotAfter.After(p.NotAfter) {
				return common.ErrCapabilityViolation("time bound extends beyond parent's")
			}
		}
	}
	return nil
}

// effectiveToolSet intersects all tool restrictions; nil means unrestricted.
func effectiveToolSet(caveats []Caveat) map[string]struct{} {
	var set map[string]struct{}
	for _, c := range caveats {
		if c.Type != CaveatToolRestriction {
			continue
		}
		if set == nil {
			set = make(map[string]struct{}, len(c.Tools))
			for _, t := range c.Tools {
				set[t] = struct{}{}
			}
			continue
		}
		next := make(map[string]struct{})
		for _, t := range c.Tools {
			if _, ok := set[t]; ok {
				next[t] = struct{}{}
			}
		}
		set = next
	}
	return set
}

// effectiveLimit returns the tightest numeric limit of the given type.
func effectiveLimit(caveats []Caveat, typ CaveatType) (float64, bool) {
	limit, bounded := 0.0, false
	for _, c := range caveats {
		if c.Type != typ {
			continue
		}
		if !bounded || c.Limit < limit {
			limit, bounded = c.Limit, true
		}
	}
	return limit, bounded
}

// Verify checks revocation (of the token and every ancestor), expiry, chain
// depth, and recomputes every signature link from the root down.
func (tm *TokenManager) Verify(tok *Token) error {
	if tok == nil {
		return common.ErrCapabilityViolation("nil token")
	}
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.verifyLocked(tok, time.Now().UTC())
}

func (tm *TokenManager) verifyLocked(tok *Token, now time.Time) error {
	if tok.Revoked {
		return common.NewSwarmError(common.ErrCodeTokenRevoked, "token revoked").WithContext("dct_id", tok.DCTID)
	}
	if stored, ok := tm.tokens[tok.DCTID]; ok && stored.Revoked {
		return common.NewSwarmError(common.ErrCodeTokenRevoked, "token revoked").WithContext("dct_id", tok.DCTID)
	}
	if !tok.ExpiresAt.IsZero() && now.After(tok.ExpiresAt) {
		return common.NewSwarmError(common.ErrCodeTokenExpired, "token expired").WithContext("dct_id", tok.DCTID)
	}
	if tok.Depth >= tm.config.MaxCaveatDepth {
		return common.ErrCapabilityViolation("attenuation chain too deep").WithContext("depth", tok.Depth)
	}
	if len(tok.SignatureChain) != tok.Depth+1 {
		return common.ErrCapabilityViolation("signature chain length mismatch")
	}

	// Walk ancestors: revocation is transitive, and each stored link must
	// recompute.
	if tok.ParentDCTID != "" {
		parent, ok := tm.tokens[tok.ParentDCTID]
		if !ok {
			return common.ErrCapabilityViolation("parent token unknown").WithContext("dct_id", tok.ParentDCTID)
		}
		if err := tm.verifyLocked(parent, now); err != nil {
			return err
		}
		prevSig := tok.SignatureChain[tok.Depth-1]
		if expected := tm.linkSignature(tok.DCTID, prevSig, tok.Caveats); !hmac.Equal([]byte(expected), []byte(tok.SignatureChain[tok.Depth])) {
			return common.ErrCapabilityViolation("signature mismatch").WithContext("dct_id", tok.DCTID)
		}
		return nil
	}

	if expected := tm.rootSignature(tok.DCTID, tok.Caveats); !hmac.Equal([]byte(expected), []byte(tok.SignatureChain[0])) {
		return common.ErrCapabilityViolation("root signature mismatch").WithContext("dct_id", tok.DCTID)
	}
	return nil
}

// ValidateRequest walks the caveats in order and denies on the first
// violation.
func (tm *TokenManager) ValidateRequest(tok *Token, req AccessRequest) error {
	if err := tm.Verify(tok); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, cav := range tok.Caveats {
		switch cav.Type {
		case CaveatToolRestriction:
			if req.Tool == "" {
				continue
			}
			if !containsString(cav.Tools, req.Tool) {
				return common.ErrCapabilityViolation("tool denied by caveat").WithContext("tool", req.Tool)
			}
		case CaveatPathRestriction:
			if req.Path == "" {
				continue
			}
			if !pathPermitted(cav.Paths, req.Path) {
				return common.ErrCapabilityViolation("path denied by caveat").WithContext("path", req.Path)
			}
		case CaveatCostLimit:
			if req.CostUSD > cav.Limit {
				return common.ErrCapabilityViolation("cost exceeds caveat limit").
					WithContext("cost_usd", req.CostUSD).WithContext("limit", cav.Limit)
			}
		case CaveatTokenLimit:
			if float64(req.Tokens) > cav.Limit {
				return common.ErrCapabilityViolation("token count exceeds caveat limit").
					WithContext("tokens", req.Tokens).WithContext("limit", cav.Limit)
			}
		case CaveatReadOnly:
			if req.Write {
				return common.ErrCapabilityViolation("write denied by read_only caveat")
			}
		case CaveatTimeBound:
			if !cav.NotAfter.IsZero() && now.After(cav.NotAfter) {
				return common.NewSwarmError(common.ErrCodeTokenExpired, "time_bound caveat elapsed")
			}
		case CaveatDomainRestriction:
			if req.Domain == "" {
				continue
			}
			if !containsString(cav.Domains, req.Domain) {
				return common.ErrCapabilityViolation("domain denied by caveat").WithContext("domain", req.Domain)
			}
		}
	}
	return nil
}

// Revoke marks the token and, transitively, all descendants revoked.
// Returns the number of tokens affected.
func (tm *TokenManager) Revoke(dctID string) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.revokeLocked(dctID)
}

func (tm *TokenManager) revokeLocked(dctID string) int {
	tok, ok := tm.tokens[dctID]
	if !ok {
		return 0
	}
	count := 0
	if !tok.Revoked {
		tok.Revoked = true
		count++
	}
	for _, child := range tm.children[dctID] {
		count += tm.revokeLocked(child)
	}
	return count
}

// Cleanup purges expired and revoked tokens, returning the number removed.
func (tm *TokenManager) Cleanup() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for id, tok := range tm.tokens {
		if tok.Revoked || (!tok.ExpiresAt.IsZero() && now.After(tok.ExpiresAt)) {
			delete(tm.tokens, id)
			delete(tm.children, id)
			removed++
		}
	}
	return removed
}

// Get returns a copy of the stored token, if known.
func (tm *TokenManager) Get(dctID string) (*Token, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	tok, ok := tm.tokens[dctID]
	if !ok {
		return nil, false
	}
	return tok.clone(), true
}

func (t *Token) clone() *Token {
	cp := *t
	cp.Caveats = append([]Caveat(nil), t.Caveats...)
	cp.SignatureChain = append([]string(nil), t.SignatureChain...)
	return &cp
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func pathPermitted(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
