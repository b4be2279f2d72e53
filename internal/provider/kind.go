package provider

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

// Kind identifies an upstream RPC vendor. The named constants form a
// closed set; GenericKind is the open hatch for operator-supplied
// endpoints, carrying a deterministic identifier so equality and map
// keys work on the string value alone.
type Kind string

const (
	KindInfura    Kind = "infura"
	KindPokt      Kind = "pokt"
	KindQuicknode Kind = "quicknode"
	KindAllnodes  Kind = "allnodes"
	KindGetBlock  Kind = "getblock"
	KindTest      Kind = "test"
)

const genericPrefix = "generic-"

// GenericKind derives a kind for an unnamed endpoint from its chain and
// URL. The same (chain, url) pair always yields the same kind.
func GenericKind(chain caip.ChainID, url string) Kind {
	sum := sha256.Sum256([]byte(chain.String() + "|" + url))
	return Kind(genericPrefix + hex.EncodeToString(sum[:8]))
}

// IsGeneric reports whether the kind was derived by GenericKind.
func (k Kind) IsGeneric() bool {
	return len(k) > len(genericPrefix) && k[:len(genericPrefix)] == genericPrefix
}

func (k Kind) String() string {
	return string(k)
}
