package history

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Descriptor is the structured metadata carried inside a proposal description.
// The on-chain record only stores free text, so this codec is the single link
// between proposals and the assets they reference.
type Descriptor struct {
	Address   string
	Symbol    string
	Name      string
	AmountETH decimal.Decimal
	Reason    string
}

// Codec converts between structured proposal metadata and description text.
// Kept behind an interface so a structured metadata format can replace the
// labeled-text scheme without touching the oracle's contract.
type Codec interface {
	Encode(d Descriptor) string
	// Decode extracts metadata from a description. ok is false when no asset
	// address pattern is present; such proposals cannot be deduplicated against.
	Decode(description string) (d Descriptor, ok bool)
}

var (
	addressPattern = regexp.MustCompile(`(?i)Address:\s*(0x[0-9a-fA-F]{40})`)
	symbolPattern  = regexp.MustCompile(`(?i)Symbol:\s*(\S[^\n]*)`)
	namePattern    = regexp.MustCompile(`(?i)Name:\s*(\S[^\n]*)`)
	amountPattern  = regexp.MustCompile(`(?i)Amount:\s*([0-9]+(?:\.[0-9]+)?)\s*ETH`)
	reasonPattern  = regexp.MustCompile(`(?i)Reason:\s*(\S[^\n]*)`)
)

// LabeledCodec is schema version 1: one labeled field per line.
type LabeledCodec struct{}

// Encode renders the descriptor as labeled description text.
func (LabeledCodec) Encode(d Descriptor) string {
	var b strings.Builder

	title := d.Symbol
	if title == "" {
		title = d.Address
	}
	fmt.Fprintf(&b, "Acquire %s for the treasury\n\n", title)
	fmt.Fprintf(&b, "Address: %s\n", d.Address)
	if d.Symbol != "" {
		fmt.Fprintf(&b, "Symbol: %s\n", d.Symbol)
	}
	if d.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", d.Name)
	}
	if d.AmountETH.IsPositive() {
		fmt.Fprintf(&b, "Amount: %s ETH\n", d.AmountETH.String())
	}
	if d.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", d.Reason)
	}
	return b.String()
}

// Decode extracts labeled fields from description text.
func (LabeledCodec) Decode(description string) (Descriptor, bool) {
	var d Descriptor

	m := addressPattern.FindStringSubmatch(description)
	if m == nil {
		return Descriptor{}, false
	}
	d.Address = m[1]

	if m := symbolPattern.FindStringSubmatch(description); m != nil {
		d.Symbol = strings.TrimSpace(m[1])
	}
	if m := namePattern.FindStringSubmatch(description); m != nil {
		d.Name = strings.TrimSpace(m[1])
	}
	if m := reasonPattern.FindStringSubmatch(description); m != nil {
		d.Reason = strings.TrimSpace(m[1])
	}
	if m := amountPattern.FindStringSubmatch(description); m != nil {
		if amount, err := decimal.NewFromString(m[1]); err == nil {
			d.AmountETH = amount
		}
	}
	return d, true
}

var _ Codec = LabeledCodec{}
