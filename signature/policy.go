package signature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const signaturesField = "signatures"

// Rule configures signing and verification of one action. The action "*" applies
// to every action without a rule of its own.
type Rule struct {
	Action string `json:"action" validate:"required"`
	// SignWith lists the key ids of the signers applied to outgoing payloads.
	SignWith []string `json:"signWith,omitempty"`
	// RequiredRoles lists roles that must each contribute a valid signature to an
	// incoming payload.
	RequiredRoles []string `json:"requiredRoles,omitempty"`
	// Mandatory makes signing fail when no signature could be produced.
	Mandatory bool `json:"mandatory,omitempty"`
}

type trustedKey struct {
	verifier Verifier
	role     string
}

// Policy is immutable once built and safe for concurrent use.
type Policy struct {
	signers map[string]Signer
	trusted map[string]trustedKey
	rules   map[string]Rule
}

type PolicyOption func(*Policy) error

// WithSigner makes a private key available to rules' SignWith lists.
func WithSigner(s Signer) PolicyOption {
	return func(p *Policy) error {
		if s.KeyID() == "" {
			return fmt.Errorf("%w: signer without key id", ErrBadKey)
		}
		p.signers[s.KeyID()] = s
		return nil
	}
}

// WithTrustedKey registers a public key whose signatures count for role.
func WithTrustedKey(v Verifier, role string) PolicyOption {
	return func(p *Policy) error {
		if v.KeyID() == "" {
			return fmt.Errorf("%w: verifier without key id", ErrBadKey)
		}
		p.trusted[v.KeyID()] = trustedKey{verifier: v, role: role}
		return nil
	}
}

func WithRule(r Rule) PolicyOption {
	return func(p *Policy) error {
		if r.Action == "" {
			return fmt.Errorf("%w: rule without action", ErrBadRule)
		}
		for _, id := range r.SignWith {
			if _, ok := p.signers[id]; !ok {
				return fmt.Errorf("%w: rule %v signs with unknown key %v", ErrBadRule, r.Action, id)
			}
		}
		p.rules[r.Action] = r
		return nil
	}
}

// NewPolicy builds a policy. Options apply in order, so signers must be added
// before the rules that reference them. A policy without options signs nothing
// and accepts everything.
func NewPolicy(opts ...PolicyOption) (*Policy, error) {
	p := &Policy{
		signers: map[string]Signer{},
		trusted: map[string]trustedKey{},
		rules:   map[string]Rule{},
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Policy) rule(action string) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	if r, ok := p.rules[action]; ok {
		return r, true
	}
	r, ok := p.rules["*"]
	return r, ok
}

// Sign attaches the signatures configured for action to payload and returns the
// new payload plus the signatures added. Without a rule the payload is returned
// unchanged.
func (p *Policy) Sign(action string, payload []byte) ([]byte, []Signature, error) {
	r, ok := p.rule(action)
	if !ok || (len(r.SignWith) == 0 && !r.Mandatory) {
		return payload, nil, nil
	}
	if len(r.SignWith) == 0 {
		return nil, nil, fmt.Errorf("%w: %v has no signing keys configured", ErrMandatorySignature, action)
	}

	obj, existing, err := split(payload)
	if err != nil {
		return nil, nil, err
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCanonicalization, err)
	}

	added := make([]Signature, 0, len(r.SignWith))
	for _, id := range r.SignWith {
		s := p.signers[id]
		raw, err := s.Sign(canonical)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: key %v: %v", ErrSigningFailed, id, err)
		}
		added = append(added, Signature{
			KeyID:          id,
			Value:          encode(raw),
			SigningMethod:  s.Method(),
			EncodingMethod: EncodingBase64,
		})
	}

	obj[signaturesField] = append(existing, added...)
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCanonicalization, err)
	}
	return out, added, nil
}

// Verification is the result of checking a payload against the policy.
type Verification struct {
	OK     bool
	Errors []error
	// Signers lists the key ids of valid trusted signatures.
	Signers []string
}

// Err joins all verification errors, or is nil when OK.
func (v Verification) Err() error {
	if v.OK {
		return nil
	}
	return errors.Join(v.Errors...)
}

// Verify checks payload. Every present signature from a trusted key must be valid
// and every required role of the action's rule must be covered; each violation is
// reported separately.
//
// A payload that is not a JSON object cannot carry signatures; it passes unless the
// action requires signer roles, and parsing it is left to the caller.
func (p *Policy) Verify(action string, payload []byte) Verification {
	var v Verification
	r, hasRule := p.rule(action)
	required := hasRule && len(r.RequiredRoles) > 0
	if !required && !isObject(payload) {
		v.OK = true
		return v
	}

	obj, sigs, err := split(payload)
	if err != nil {
		v.Errors = append(v.Errors, err)
		return v
	}
	if len(sigs) == 0 && !required {
		v.OK = true
		return v
	}

	canonical, err := json.Marshal(obj)
	if err != nil {
		v.Errors = append(v.Errors, fmt.Errorf("%w: %v", ErrCanonicalization, err))
		return v
	}

	covered := map[string]bool{}
	for _, sig := range sigs {
		var key trustedKey
		found := false
		if p != nil {
			key, found = p.trusted[sig.KeyID]
		}
		if !found {
			continue
		}
		raw, err := decode(sig.Value)
		if err != nil {
			v.Errors = append(v.Errors, fmt.Errorf("%w: key %v: bad encoding: %v", ErrInvalidSignature, sig.KeyID, err))
			continue
		}
		if sig.SigningMethod != "" && sig.SigningMethod != key.verifier.Method() {
			v.Errors = append(v.Errors, fmt.Errorf("%w: key %v: method %v, expected %v", ErrInvalidSignature, sig.KeyID, sig.SigningMethod, key.verifier.Method()))
			continue
		}
		if !key.verifier.Verify(canonical, raw) {
			v.Errors = append(v.Errors, fmt.Errorf("%w: key %v", ErrInvalidSignature, sig.KeyID))
			continue
		}
		covered[key.role] = true
		v.Signers = append(v.Signers, sig.KeyID)
	}

	if hasRule {
		for _, role := range r.RequiredRoles {
			if !covered[role] {
				v.Errors = append(v.Errors, fmt.Errorf("%w: %v requires role %v", ErrMissingSignature, action, role))
			}
		}
	}
	v.OK = len(v.Errors) == 0
	return v
}

func isObject(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || trimmed[0] == '{'
}

// split parses payload into its unsigned object and the signatures it carries.
func split(payload []byte) (map[string]any, []Signature, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return map[string]any{}, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	obj := map[string]any{}
	if err := dec.Decode(&obj); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCanonicalization, err)
	}

	var sigs []Signature
	if raw, ok := obj[signaturesField]; ok {
		bt, err := json.Marshal(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCanonicalization, err)
		}
		if err := json.Unmarshal(bt, &sigs); err != nil {
			return nil, nil, fmt.Errorf("%w: signatures: %v", ErrCanonicalization, err)
		}
		delete(obj, signaturesField)
	}
	return obj, sigs, nil
}

// Canonical returns the bytes a signature over payload covers.
func Canonical(payload []byte) ([]byte, error) {
	obj, _, err := split(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}
