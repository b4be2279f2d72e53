// Package caip implements CAIP-2 chain identifiers and CAIP-19 asset
// identifiers as used throughout the gateway.
package caip

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NamespaceEIP155 is the namespace for EVM chains.
const NamespaceEIP155 = "eip155"

var (
	chainNamespaceRe = regexp.MustCompile(`^[-a-z0-9]{3,8}$`)
	chainReferenceRe = regexp.MustCompile(`^[-_a-zA-Z0-9]{1,32}$`)
	assetNamespaceRe = regexp.MustCompile(`^[-a-z0-9]{3,8}$`)
	assetReferenceRe = regexp.MustCompile(`^[-.%a-zA-Z0-9]{1,128}$`)
)

// ChainID is a parsed CAIP-2 identifier of the form "namespace:reference".
type ChainID struct {
	Namespace string
	Reference string
}

// ParseChainID parses a CAIP-2 string. Any shape other than
// "namespace:reference" with valid character sets fails.
func ParseChainID(s string) (ChainID, error) {
	ns, ref, ok := strings.Cut(s, ":")
	if !ok {
		return ChainID{}, fmt.Errorf("invalid CAIP-2 chain id %q: missing separator", s)
	}
	if !chainNamespaceRe.MatchString(ns) {
		return ChainID{}, fmt.Errorf("invalid CAIP-2 namespace %q", ns)
	}
	if !chainReferenceRe.MatchString(ref) {
		return ChainID{}, fmt.Errorf("invalid CAIP-2 reference %q", ref)
	}
	return ChainID{Namespace: ns, Reference: ref}, nil
}

// MustChainID parses a CAIP-2 string and panics on failure. For static
// catalog tables only.
func MustChainID(s string) ChainID {
	c, err := ParseChainID(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ChainID) String() string {
	return c.Namespace + ":" + c.Reference
}

// IsEIP155 reports whether the chain belongs to the EVM namespace.
func (c ChainID) IsEIP155() bool {
	return c.Namespace == NamespaceEIP155
}

// EVMChainID parses the reference of an eip155 chain as its decimal
// chain id.
func (c ChainID) EVMChainID() (uint64, error) {
	if !c.IsEIP155() {
		return 0, fmt.Errorf("chain %s is not an eip155 chain", c)
	}
	n, err := strconv.ParseUint(c.Reference, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid eip155 reference %q: %w", c.Reference, err)
	}
	return n, nil
}

// AssetID is a parsed CAIP-19 identifier of the form
// "chain/assetNamespace:assetReference".
type AssetID struct {
	Chain     ChainID
	Namespace string
	Reference string
}

// ParseAssetID parses a CAIP-19 string.
func ParseAssetID(s string) (AssetID, error) {
	chainPart, assetPart, ok := strings.Cut(s, "/")
	if !ok {
		return AssetID{}, fmt.Errorf("invalid CAIP-19 asset id %q: missing asset part", s)
	}
	chain, err := ParseChainID(chainPart)
	if err != nil {
		return AssetID{}, err
	}
	ns, ref, ok := strings.Cut(assetPart, ":")
	if !ok {
		return AssetID{}, fmt.Errorf("invalid CAIP-19 asset part %q: missing separator", assetPart)
	}
	if !assetNamespaceRe.MatchString(ns) {
		return AssetID{}, fmt.Errorf("invalid CAIP-19 asset namespace %q", ns)
	}
	if !assetReferenceRe.MatchString(ref) {
		return AssetID{}, fmt.Errorf("invalid CAIP-19 asset reference %q", ref)
	}
	return AssetID{Chain: chain, Namespace: ns, Reference: ref}, nil
}

// MustAssetID parses a CAIP-19 string and panics on failure.
func MustAssetID(s string) AssetID {
	a, err := ParseAssetID(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a AssetID) String() string {
	return a.Chain.String() + "/" + a.Namespace + ":" + a.Reference
}
