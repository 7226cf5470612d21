package types

import "github.com/holiman/uint256"

// FeeKind tags a ProducerFee's payment asset.
type FeeKind uint8

const (
	FeeNone FeeKind = iota
	FeeNative
	FeeFungibleToken
)

// ProducerFee is the fee schedule a producer advertises. It is a closed,
// tagged variant: at most one of the asset-specific fields is meaningful,
// selected by Kind.
type ProducerFee struct {
	Kind          FeeKind
	PrepaidAmount *uint256.Int // meaningful for FeeNative and FeeFungibleToken
	Token         FtId         // meaningful for FeeFungibleToken only
}

// NoFee is the zero-value fee schedule new producers start with.
func NoFee() ProducerFee { return ProducerFee{Kind: FeeNone} }

// NativeFee builds a native-token fee schedule.
func NativeFee(amount *uint256.Int) ProducerFee {
	return ProducerFee{Kind: FeeNative, PrepaidAmount: amount}
}

// FungibleTokenFee builds an FT fee schedule.
func FungibleTokenFee(token FtId, amount *uint256.Int) ProducerFee {
	return ProducerFee{Kind: FeeFungibleToken, Token: token, PrepaidAmount: amount}
}

// FeeSource tags where a PrepaidFee's funds were drawn from, which pool a
// refund must be credited back to.
type FeeSource uint8

const (
	// SourceForSpecificProducer: debited from the consumer's per-producer
	// earmarked pool.
	SourceForSpecificProducer FeeSource = iota
	// SourceForAllProducers: debited from the consumer's general pool.
	SourceForAllProducers
	// SourceAttachedToCall: the fee was the native value attached
	// directly to the request call; it never touched escrow. FT fees
	// never use this source (spec.md §3, "FT is never AttachedToCall").
	SourceAttachedToCall
)

// PrepaidFee records both what was paid and where it came from, so a
// refund can be routed back to the exact originating pool. Do not collapse
// this into a bare amount: the source tag is load-bearing at refund time.
type PrepaidFee struct {
	Kind   FeeKind
	Amount *uint256.Int
	Token  FtId // meaningful for FeeFungibleToken only
	Source FeeSource
}

// IsZero reports whether this PrepaidFee represents no charge at all
// (FeeNone schedule).
func (p PrepaidFee) IsZero() bool {
	return p.Kind == FeeNone
}
