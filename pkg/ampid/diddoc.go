package ampid

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/x25519"
)

// DIDDocument is the subset of a DID document this package needs: enough
// verification methods to recover an agent's signing and key-agreement
// public keys. Full DID resolution (did:web fetch, did:key decoding, and
// so on) is an external collaborator; this type only models the document
// shape once resolved.
type DIDDocument struct {
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	AssertionMethod    []string             `json:"assertionMethod"`
	KeyAgreement       []string             `json:"keyAgreement"`
}

// VerificationMethod is one entry of a DID document's verificationMethod
// array, carrying its key material as a JWK.
type VerificationMethod struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Controller   string                 `json:"controller"`
	PublicKeyJwk map[string]interface{} `json:"publicKeyJwk,omitempty"`
}

// SigningKeyFromDocument resolves the first entry of doc.AssertionMethod
// and returns its raw public key. Only that first reference is used; it is
// an error if it does not name an Ed25519 key.
func SigningKeyFromDocument(doc *DIDDocument) (ed25519.PublicKey, error) {
	vm, err := findMethod(doc, doc.AssertionMethod)
	if err != nil {
		return nil, fmt.Errorf("ampid: assertion method: %w", err)
	}
	key, err := jwkToRaw(vm.PublicKeyJwk)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ampid: assertion method %s is not an Ed25519 key", vm.ID)
	}
	return pub, nil
}

// KeyAgreementKeyFromDocument resolves the first entry of doc.KeyAgreement
// and returns its raw 32-byte public key. Only that first reference is
// used; it is an error if it does not name an X25519 key.
func KeyAgreementKeyFromDocument(doc *DIDDocument) ([32]byte, error) {
	var out [32]byte
	vm, err := findMethod(doc, doc.KeyAgreement)
	if err != nil {
		return out, fmt.Errorf("ampid: key agreement method: %w", err)
	}
	key, err := jwkToRaw(vm.PublicKeyJwk)
	if err != nil {
		return out, err
	}
	var raw []byte
	switch k := key.(type) {
	case x25519.PublicKey:
		raw = k
	case []byte:
		raw = k
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("ampid: key agreement method %s is not a 32-byte X25519 key", vm.ID)
	}
	copy(out[:], raw)
	return out, nil
}

func findMethod(doc *DIDDocument, refs []string) (VerificationMethod, error) {
	if len(refs) == 0 {
		return VerificationMethod{}, fmt.Errorf("no references in document")
	}
	want := refs[0]
	for _, vm := range doc.VerificationMethod {
		if vm.ID == want {
			return vm, nil
		}
	}
	return VerificationMethod{}, fmt.Errorf("verification method %s not present", want)
}

func jwkToRaw(jwkMap map[string]interface{}) (interface{}, error) {
	if jwkMap == nil {
		return nil, fmt.Errorf("missing publicKeyJwk")
	}
	encoded, err := json.Marshal(jwkMap)
	if err != nil {
		return nil, fmt.Errorf("ampid: encode jwk: %w", err)
	}
	key, err := jwk.ParseKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("ampid: parse jwk: %w", err)
	}
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("ampid: jwk raw key: %w", err)
	}
	return raw, nil
}
